package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JobFile — описание задачи в YAML (hartree job submit -f job.yaml).
//
//	xyz: h2o.xyz
//	basis_set: sto-3g
//	output_path: s3://integrals-bucket
//	batch_execution: true
//	num_slices: 5
//	max_iter: 30
//	epsilon: 1e-6
//
// Если commands задан, xyz и basis_set игнорируются.
type JobFile struct {
	Commands       []string `yaml:"commands"`
	XYZ            string   `yaml:"xyz"`
	BasisSet       string   `yaml:"basis_set"`
	OutputPath     string   `yaml:"output_path"`
	BatchExecution bool     `yaml:"batch_execution"`
	NumSlices      int      `yaml:"num_slices"`
	MaxIter        int      `yaml:"max_iter"`
	Epsilon        float64  `yaml:"epsilon"`
	MaxBatchJobs   int      `yaml:"max_batch_jobs"`
}

// InfoCommands собирает argv info-стадии.
func InfoCommands(xyz, basisSet string) []string {
	return []string{"info", "--xyz", xyz, "--basis_set", basisSet}
}

// Request превращает файл в payload API.
func (f JobFile) Request() (SubmitJobRequest, error) {
	cmds := f.Commands
	if len(cmds) == 0 {
		if f.XYZ == "" || f.BasisSet == "" {
			return SubmitJobRequest{}, fmt.Errorf("job file: xyz and basis_set are required without commands")
		}
		cmds = InfoCommands(f.XYZ, f.BasisSet)
	}

	return SubmitJobRequest{
		Commands:       cmds,
		OutputPath:     f.OutputPath,
		BatchExecution: f.BatchExecution,
		NumSlices:      f.NumSlices,
		MaxIter:        f.MaxIter,
		Epsilon:        f.Epsilon,
		MaxBatchJobs:   f.MaxBatchJobs,
	}, nil
}

// ParseJobFile декодирует YAML-описание задачи.
func ParseJobFile(data []byte) (JobFile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return JobFile{}, fmt.Errorf("job file: payload is empty")
	}

	var f JobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return JobFile{}, fmt.Errorf("job file: decode: %w", err)
	}
	return f, nil
}

// LoadJobFile читает YAML-описание задачи с диска.
func LoadJobFile(path string) (JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobFile{}, fmt.Errorf("job file: read %s: %w", path, err)
	}
	f, err := ParseJobFile(data)
	if err != nil {
		return JobFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
