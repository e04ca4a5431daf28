package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/objstore"
)

// Имена файлов аргументов двухэлектронных интегралов.
const (
	SeqArgsFile   = "seq_args.txt"
	BatchArgsFile = "batch_args.txt"
)

// noIteration — объект стадии без индекса итерации.
const noIteration = -1

// Layout — раскладка объектов одного job в durable-хранилище и
// построение командных строк стадий.
//
//	{root}/job_files/{jobid}/bin_files/{jobid}_{stage}[_{i}].bin
//	{root}/job_files/{jobid}/json_files/{jobid}_{stage}[_{i}].json
//	{root}/tei_args/{jobid}/{seq,batch}_args.txt
type Layout struct {
	JobID    string
	Root     domain.Locator
	XYZ      string
	BasisSet string
}

// NewLayout создаёт Layout по output_path и commands job.
func NewLayout(jobID, outputPath string, commands []string) (Layout, error) {
	root, err := domain.ParseLocator(outputPath)
	if err != nil {
		return Layout{}, err
	}
	return Layout{
		JobID:    jobID,
		Root:     root,
		XYZ:      domain.ArgValue(commands, "--xyz"),
		BasisSet: domain.ArgValue(commands, "--basis_set"),
	}, nil
}

// Bucket — значение --bucket для вычислительного образа.
func (l Layout) Bucket() string {
	if l.Root.Scheme == "s3" {
		return l.Root.Bucket
	}
	return l.Root.String()
}

func objectName(jobID string, stage domain.Stage, iteration int, ext string) string {
	if iteration == noIteration {
		return fmt.Sprintf("%s_%s.%s", jobID, stage, ext)
	}
	return fmt.Sprintf("%s_%s_%d.%s", jobID, stage, iteration, ext)
}

// BinObject — ключ бинарного артефакта стадии относительно bucket.
func (l Layout) BinObject(stage domain.Stage, iteration int) string {
	return fmt.Sprintf("job_files/%s/bin_files/%s", l.JobID, objectName(l.JobID, stage, iteration, "bin"))
}

// BinURL — полный locator бинарного артефакта.
func (l Layout) BinURL(stage domain.Stage, iteration int) string {
	return l.Root.Join(l.BinObject(stage, iteration)).String()
}

// JSONOutput — locator JSON-результата стадии.
func (l Layout) JSONOutput(stage domain.Stage, iteration int) string {
	return l.Root.Join("job_files", l.JobID, "json_files", objectName(l.JobID, stage, iteration, "json")).String()
}

// ArgsPath — каталог файлов аргументов slices.
func (l Layout) ArgsPath() string {
	return l.Root.Join("tei_args", l.JobID).String()
}

// ERIPrefix — префикс объектов двухэлектронных интегралов для fock_matrix.
func (l Layout) ERIPrefix() string {
	return fmt.Sprintf("job_files/%s/bin_files/%s_", l.JobID, l.JobID)
}

func (l Layout) baseCommands(stage domain.Stage) []string {
	return []string{
		string(stage),
		"--jobid", l.JobID,
		"--xyz", l.XYZ,
		"--basis_set", l.BasisSet,
		"--bucket", l.Bucket(),
	}
}

// PrecomputeCommands — core_hamiltonian, overlap, initial_guess.
func (l Layout) PrecomputeCommands(stage domain.Stage) []string {
	return append(l.baseCommands(stage), "--output_object", l.BinObject(stage, noIteration))
}

// TEICommands — команда двухэлектронных интегралов. Для slices диапазон
// добавляет воркер из строки batch_args.txt; single-shot покрывает весь диапазон.
func (l Layout) TEICommands(n int, sliced bool) []string {
	cmds := l.baseCommands(domain.StageTwoElectronIntegrals)
	if sliced {
		return cmds
	}
	return append(cmds, strings.Fields(FullRange(n).Args(l.JobID))...)
}

// FockCommands — fock_matrix итерации loopCount.
func (l Layout) FockCommands(loopCount int) []string {
	density := l.BinURL(domain.StageInitialGuess, noIteration)
	if loopCount > 1 {
		density = l.BinURL(domain.StageSCFStep, loopCount-2)
	}
	return append(l.baseCommands(domain.StageFockMatrix),
		"--eri_prefix", l.ERIPrefix(),
		"--density_url", density,
		"--output_object", l.BinObject(domain.StageFockMatrix, loopCount-1),
	)
}

// SCFCommands — scf_step итерации loopCount.
func (l Layout) SCFCommands(loopCount int) []string {
	return append(l.baseCommands(domain.StageSCFStep),
		"--output_object", l.BinObject(domain.StageSCFStep, loopCount-1),
		"--fock_matrix_url", l.BinURL(domain.StageFockMatrix, loopCount-1),
		"--hamiltonian_url", l.BinURL(domain.StageCoreHamiltonian, noIteration),
		"--overlap_url", l.BinURL(domain.StageOverlap, noIteration),
	)
}

// --- Slice ranges ---

// Position — позиция в 4-индексном пространстве интегралов.
type Position [4]int

func (p Position) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", p[0], p[1], p[2], p[3])
}

func (p Position) name() string {
	return fmt.Sprintf("%d_%d_%d_%d", p[0], p[1], p[2], p[3])
}

// SliceRange — полуинтервал [Begin, End) интегралов одного slice.
type SliceRange struct {
	Begin Position
	End   Position
}

// Args — строка аргументов slice для вычислительного образа.
func (r SliceRange) Args(jobID string) string {
	return fmt.Sprintf("--begin %s --end %s --output_object %s_%s_%s.bin",
		r.Begin, r.End, jobID, r.Begin.name(), r.End.name())
}

// FullRange — весь диапазон для single-shot: от 0,0,0,0 до n,0,0,0.
func FullRange(n int) SliceRange {
	return SliceRange{End: Position{n, 0, 0, 0}}
}

// addToPosition сдвигает позицию на toAdd интегралов с переносом
// по основанию n от младшего индекса к старшему. Старший индекс не ограничен.
func addToPosition(pos Position, toAdd, n int) Position {
	linear := ((pos[0]*n+pos[1])*n+pos[2])*n + pos[3] + toAdd

	var out Position
	out[3] = linear % n
	linear /= n
	out[2] = linear % n
	linear /= n
	out[1] = linear % n
	out[0] = linear / n
	return out
}

// SliceRanges делит n^4 интегралов на numSlices смежных диапазонов.
// Размер всех, кроме последнего, — n^4/numSlices; последний заканчивается на n,0,0,0.
func SliceRanges(n, numSlices int) []SliceRange {
	if numSlices < 1 {
		numSlices = 1
	}

	batchSize := n * n * n * n / numSlices
	ranges := make([]SliceRange, 0, numSlices)

	var start Position
	for i := 1; i < numSlices; i++ {
		end := addToPosition(start, batchSize, n)
		ranges = append(ranges, SliceRange{Begin: start, End: end})
		start = end
	}
	ranges = append(ranges, SliceRange{Begin: start, End: Position{n, 0, 0, 0}})

	return ranges
}

// writeArgsFiles пишет seq_args.txt и batch_args.txt в каталог аргументов job.
// Строка i batch_args.txt — аргументы slice с индексом i.
func writeArgsFiles(ctx context.Context, store objstore.Store, l Layout, n, numSlices int) error {
	seq := FullRange(n).Args(l.JobID)

	lines := make([]string, 0, numSlices)
	for _, r := range SliceRanges(n, numSlices) {
		lines = append(lines, r.Args(l.JobID))
	}

	dir, err := domain.ParseLocator(l.ArgsPath())
	if err != nil {
		return err
	}
	if err := store.Put(ctx, dir.Join(SeqArgsFile).String(), []byte(seq)); err != nil {
		return fmt.Errorf("write %s: %w", SeqArgsFile, err)
	}
	if err := store.Put(ctx, dir.Join(BatchArgsFile).String(), []byte(strings.Join(lines, "\n"))); err != nil {
		return fmt.Errorf("write %s: %w", BatchArgsFile, err)
	}
	return nil
}

// sliceLabel — метка slice для логов.
func sliceLabel(i, total int) string {
	return strconv.Itoa(i+1) + "/" + strconv.Itoa(total)
}
