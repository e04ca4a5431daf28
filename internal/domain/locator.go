package domain

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Locator — адрес объекта в durable-хранилище.
//
// Поддерживаются:
//
//	s3://bucket/key/...
//	file:///abs/path/...
type Locator struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseLocator разбирает строку locator.
func ParseLocator(raw string) (Locator, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Locator{}, fmt.Errorf("invalid locator %q: %w", raw, err)
	}

	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Locator{}, fmt.Errorf("invalid locator %q: missing bucket", raw)
		}
		if u.Host == "." || u.Host == ".." {
			return Locator{}, fmt.Errorf("invalid locator %q: bad bucket name", raw)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if hasDotDot(key) {
			return Locator{}, fmt.Errorf("invalid locator %q: key must not contain '..' segments", raw)
		}
		return Locator{Scheme: "s3", Bucket: u.Host, Key: key}, nil
	case "file":
		if u.Path == "" {
			return Locator{}, fmt.Errorf("invalid locator %q: missing path", raw)
		}
		return Locator{Scheme: "file", Key: strings.TrimPrefix(path.Clean(u.Path), "/")}, nil
	default:
		return Locator{}, fmt.Errorf("invalid locator %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// hasDotDot сообщает, есть ли в ключе сегмент "..".
func hasDotDot(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Join возвращает locator с добавленными сегментами ключа.
func (l Locator) Join(parts ...string) Locator {
	elems := append([]string{l.Key}, parts...)
	l.Key = strings.TrimPrefix(path.Join(elems...), "/")
	return l
}

func (l Locator) String() string {
	switch l.Scheme {
	case "file":
		return "file:///" + l.Key
	default:
		if l.Key == "" {
			return fmt.Sprintf("%s://%s", l.Scheme, l.Bucket)
		}
		return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
	}
}
