package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления job.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage SCF jobs",
	}

	cmd.AddCommand(
		newJobSubmitCmd(clientFn, outputFn),
		newJobListCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newJobSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var f JobFile

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job",
		Long: `Submit a new SCF job.

Parameters are taken from flags or from a YAML job file (-f).
Flags given explicitly override values from the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job := f
			if file != "" {
				loaded, err := LoadJobFile(file)
				if err != nil {
					return err
				}
				job = mergeJobFlags(cmd, loaded, f)
			}

			req, err := job.Request()
			if err != nil {
				return err
			}

			created, err := client.SubmitJob(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job submitted: %s", created.ID))
			out.Print(
				[]string{"ID", "STATUS"},
				[][]string{{created.ID, created.Status}},
				created,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML job file")
	cmd.Flags().StringVar(&f.XYZ, "xyz", "", "Molecule geometry (.xyz)")
	cmd.Flags().StringVar(&f.BasisSet, "basis-set", "", "Basis set name")
	cmd.Flags().StringVar(&f.OutputPath, "output-path", "", "Durable output locator (s3://bucket or file:///path)")
	cmd.Flags().BoolVar(&f.BatchExecution, "batch", false, "Compute two-electron integrals in slices")
	cmd.Flags().IntVar(&f.NumSlices, "num-slices", 1, "Number of slices for batch execution")
	cmd.Flags().IntVar(&f.MaxBatchJobs, "max-batch-jobs", 0, "Slices in flight at once (0 = all)")
	cmd.Flags().IntVar(&f.MaxIter, "max-iter", 30, "Maximum SCF iterations")
	cmd.Flags().Float64Var(&f.Epsilon, "epsilon", 1e-6, "Convergence threshold for hartree_diff")

	return cmd
}

// mergeJobFlags накладывает явно заданные флаги на файл.
func mergeJobFlags(cmd *cobra.Command, base, flags JobFile) JobFile {
	changed := cmd.Flags().Changed

	if changed("xyz") {
		base.XYZ = flags.XYZ
		base.Commands = nil
	}
	if changed("basis-set") {
		base.BasisSet = flags.BasisSet
		base.Commands = nil
	}
	if changed("output-path") {
		base.OutputPath = flags.OutputPath
	}
	if changed("batch") {
		base.BatchExecution = flags.BatchExecution
	}
	if changed("num-slices") {
		base.NumSlices = flags.NumSlices
	}
	if changed("max-batch-jobs") {
		base.MaxBatchJobs = flags.MaxBatchJobs
	}
	if changed("max-iter") {
		base.MaxIter = flags.MaxIter
	}
	if changed("epsilon") {
		base.Epsilon = flags.Epsilon
	}
	return base
}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListJobsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			jobs, err := client.ListJobs(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "STATUS", "OUTCOME", "ITERATIONS", "CREATED"}
			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = []string{j.ID, j.Status, j.Outcome, strconv.Itoa(j.Iterations), j.CreatedAt}
			}

			out.Print(headers, rows, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, running, succeeded, failed, deleted)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip the first N results")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.GetJob(args[0])
			if err != nil {
				return err
			}

			out.Details([][2]string{
				{"ID", job.ID},
				{"Status", job.Status},
				{"Outcome", job.Outcome},
				{"Iterations", strconv.Itoa(job.Iterations)},
				{"Hartree diff", formatFloat(job.HartreeDiff)},
				{"Energy", formatFloat(job.Energy)},
				{"Error", job.Error},
			}, job)
			return nil
		},
	}
}

func newJobDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete JOB_ID",
		Short: "Delete a job (running stages finish, their results are discarded)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteJob(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job deleted: %s", args[0]))
			return nil
		},
	}
}

// formatFloat печатает необязательное число.
func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', 10, 64)
}
