package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/objstore"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// stderrTail — сколько байт stderr попадает в текст ошибки.
const stderrTail = 512

// CommandExecutor запускает вычислительный образ локальным процессом.
//
// argv процесса: Binary + item.Commands (+ строка slice из batch_args.txt).
// Окружение дополняется:
//   - JSON_OUTPUT_PATH — куда записать JSON-результат
//   - ARGS_PATH       — каталог файлов аргументов (только tei)
//   - SLICE_INDEX     — индекс slice (только slices)
//   - BATCH_EXECUTION — "true" для slices
//
// После выхода результат читается из хранилища по item.OutputPath.
type CommandExecutor struct {
	Binary string
	Store  objstore.Store

	// Env — дополнительные переменные окружения.
	Env []string
}

// Execute запускает процесс и возвращает его JSON-результат.
func (e *CommandExecutor) Execute(ctx context.Context, item *domain.WorkItem) (domain.Result, error) {
	args := append([]string(nil), item.Commands...)

	if item.IsSlice() {
		line, err := e.sliceArgs(ctx, item.ArgsPath, *item.SliceIndex)
		if err != nil {
			return nil, err
		}
		args = append(args, strings.Fields(line)...)
	}

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, "JSON_OUTPUT_PATH="+item.OutputPath)
	if item.ArgsPath != "" {
		cmd.Env = append(cmd.Env, "ARGS_PATH="+item.ArgsPath)
	}
	if item.IsSlice() {
		cmd.Env = append(cmd.Env,
			"SLICE_INDEX="+strconv.Itoa(*item.SliceIndex),
			"BATCH_EXECUTION=true",
		)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	telemetry.FromContext(ctx).Debug("running compute command", "binary", e.Binary, "args", args)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", domain.ErrExecution, item.Stage, err, tail(stderr.String(), stderrTail))
	}

	return readResult(ctx, e.Store, item)
}

// sliceArgs читает строку index из batch_args.txt.
func (e *CommandExecutor) sliceArgs(ctx context.Context, argsPath string, index int) (string, error) {
	if argsPath == "" {
		return "", fmt.Errorf("%w: args_path", ErrMissingParam)
	}

	dir, err := domain.ParseLocator(argsPath)
	if err != nil {
		return "", err
	}

	data, err := e.Store.Get(ctx, dir.Join("batch_args.txt").String())
	if err != nil {
		return "", fmt.Errorf("read batch args: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if index < 0 || index >= len(lines) {
		return "", fmt.Errorf("%w: slice index %d out of %d", domain.ErrExecution, index, len(lines))
	}
	return lines[index], nil
}

// readResult читает JSON-результат стадии и проверяет success.
func readResult(ctx context.Context, store objstore.Store, item *domain.WorkItem) (domain.Result, error) {
	result, err := objstore.GetJSON(ctx, store, item.OutputPath)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrExecution, ErrNoResult, item.OutputPath)
	}
	if err != nil {
		return nil, err
	}

	if ok, present := result.Bool("success"); present && !ok {
		return result, fmt.Errorf("%w: %s reported success=false", domain.ErrExecution, item.Stage)
	}
	return result, nil
}

// tail возвращает последние maxLen байт строки.
func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
