package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/config"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Value set by ldflag (-X main.BUILD_VERSION version) during build
var (
	BUILD_VERSION   string
	BUILD_TIMESTAMP string
)

var (
	config_file string
	run_date    string
	keep_xcom   bool
	grace       time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "pipelines",
	Short:         "Run the odd_even_machine and stock_market pipelines",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       fmt.Sprintf("%s, built on %s", BUILD_VERSION, BUILD_TIMESTAMP),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the dags with their tasks and next run",
	Args:  cobra.NoArgs,
	RunE:  with_env(list),
}

var runCmd = &cobra.Command{
	Use:   "run <dag>",
	Short: "Run a dag once, now",
	Long: `Run a dag once as a manual run and wait for it to finish.

The logical date defaults to now; --date takes 2006-01-02 or RFC3339.
The command fails when the run fails.`,
	Args: cobra.ExactArgs(1),
	RunE: with_env(run),
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the dags on their schedules until interrupted",
	Args:  cobra.NoArgs,
	RunE:  with_env(schedule),
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List the connections and where they resolve",
	Args:  cobra.NoArgs,
	RunE:  with_env(connections),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config_file, "config", "", "Yaml config file")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	runCmd.Flags().StringVar(&run_date, "date", "", "Logical date of the run")
	runCmd.Flags().BoolVar(&keep_xcom, "keep-xcom", false, "Keep xcom values after the run")
	scheduleCmd.Flags().DurationVar(&grace, "grace", time.Minute, "How long to wait for active runs on shutdown")
	rootCmd.AddCommand(listCmd, runCmd, scheduleCmd, connectionsCmd)
}

func load_config() (*config.Config, error) {
	if config_file == "" {
		return config.LoadFromBytes(nil)
	}
	return config.LoadFromFile(config_file)
}

func with_env(f func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		conf, err := load_config()
		if err != nil {
			return err
		}
		e, err := build(conf)
		if err != nil {
			return err
		}
		defer e.Close()
		return f(cmd, e, args)
	}
}

func list(cmd *cobra.Command, e *env, args []string) error {
	out := cmd.OutOrStdout()
	now := time.Now().UTC()
	for _, d := range e.scheduler.Dags() {
		order, err := d.TopologicalOrder()
		if err != nil {
			return err
		}
		next, err := e.scheduler.NextRun(d.Id, now)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\tschedule=%s\tcatchup=%v\ttags=%s\tnext=%s\n", d.Id, d.Schedule, d.Catchup,
			strings.Join(d.Tags, ","), next.Format(time.RFC3339))
		fmt.Fprintf(out, "\t%s\n", strings.Join(order, " >> "))
	}
	return nil
}

func parse_date(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func run(cmd *cobra.Command, e *env, args []string) error {
	logical, err := parse_date(run_date)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r, err := e.scheduler.Trigger(ctx, args[0], dag.RunOptions{LogicalDate: logical, KeepXCom: keep_xcom})
	if err != nil {
		return err
	}
	print_run(cmd.OutOrStdout(), r)
	if r.State != dag.RunSuccess {
		return fmt.Errorf("%s %s: %s, failed tasks %v", r.DagId, r.RunId, r.State, r.Failed())
	}
	return nil
}

func print_run(out io.Writer, r *dag.DagRun) {
	fmt.Fprintf(out, "%s %s %s\n", r.DagId, r.RunId, r.State)
	d := time.Duration(0)
	if r.Started != nil && r.Ended != nil {
		d = r.Ended.Sub(*r.Started)
	}
	for _, id := range sorted_tasks(r) {
		ti := r.Tasks[id]
		line := fmt.Sprintf("\t%s\t%s\ttry=%d", id, ti.State, ti.Try)
		if ti.Error != "" {
			line += "\t" + ti.Error
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "took %s\n", d.Round(time.Millisecond))
}

// sorted_tasks orders the tasks by start, then id.
func sorted_tasks(r *dag.DagRun) []string {
	ids := []string{}
	for id := range r.Tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ta, tb := r.Tasks[ids[i]].Started, r.Tasks[ids[j]].Started
		switch {
		case ta != nil && tb != nil && !ta.Equal(*tb):
			return ta.Before(*tb)
		case ta != nil && tb == nil:
			return true
		case ta == nil && tb != nil:
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

func schedule(cmd *cobra.Command, e *env, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := e.scheduler.Start(context.Background()); err != nil {
		return err
	}
	<-ctx.Done()
	glog.Infoln("Shutting down")
	stop, cancel_stop := context.WithTimeout(context.Background(), grace)
	defer cancel_stop()
	return e.scheduler.Stop(stop)
}

func connections(cmd *cobra.Command, e *env, args []string) error {
	out := cmd.OutOrStdout()
	for _, id := range e.connection_ids() {
		c, err := e.conns.Get(id)
		if err != nil {
			fmt.Fprintf(out, "%s\t%v\n", id, err)
			continue
		}
		fmt.Fprintf(out, "%s\ttype=%s\thost=%s\tlogin=%s\n", id, c.Type, c.Host, c.Login)
	}
	return nil
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		glog.Flush()
		os.Exit(1)
	}
}
