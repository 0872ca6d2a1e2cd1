package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// replayFile is a sequence of commands and shard reports.
type replayFile struct {
	Shards int          `toml:"shards"`
	Steps  []replayStep `toml:"step"`
}

// replayStep is either a command (Command set) or a report from Shard.
type replayStep struct {
	// Command is create_timely, run_ingestions, run_sinks or
	// allow_compaction.
	Command  string   `toml:"command"`
	IDs      []string `toml:"ids"`
	From     string   `toml:"from"`
	Workers  int      `toml:"workers"`
	Frontier []uint64 `toml:"frontier"`

	Shard   int           `toml:"shard"`
	Uppers  []replayUpper `toml:"uppers"`
	Dropped []string      `toml:"dropped"`
}

type replayUpper struct {
	ID    string   `toml:"id"`
	Upper []uint64 `toml:"upper"`
}

// replayResult is the outcome of one step.
type replayResult struct {
	Step    int    `json:"step"`
	Input   string `json:"input"`
	Emitted string `json:"emitted,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newReplayCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "replay <reports.toml>",
		Short: "Feed shard commands and reports through the frontier consolidator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var rf replayFile
			if err := toml.Unmarshal(b, &rf); err != nil {
				return errors.Wrapf(err, "decode %s", args[0])
			}
			results, err := runReplay(rf)
			if err != nil {
				return err
			}
			if jsonOut {
				return a.printJSON(results)
			}
			printReplay(a, results)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func printReplay(a *app, results []replayResult) {
	dim := color.New(color.Faint)
	emit := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	for _, r := range results {
		fmt.Fprintf(a.out, "%3d  %s\n", r.Step, r.Input)
		switch {
		case r.Error != "":
			bad.Fprintf(a.out, "     rejected: %s\n", r.Error)
		case r.Emitted != "":
			emit.Fprintf(a.out, "     -> %s\n", r.Emitted)
		default:
			dim.Fprintln(a.out, "     -> (nothing)")
		}
	}
}

func runReplay(rf replayFile) ([]replayResult, error) {
	if rf.Shards <= 0 {
		return nil, errors.Newf("shards must be positive, got %d", rf.Shards)
	}
	state := storage.NewPartitionedState(rf.Shards)
	results := make([]replayResult, 0, len(rf.Steps))
	for i, step := range rf.Steps {
		r := replayResult{Step: i + 1}
		if step.Command != "" {
			cmd, err := step.command()
			if err != nil {
				return nil, errors.Wrapf(err, "step %d", i+1)
			}
			state.SplitCommand(cmd)
			r.Input = "command " + describeCommand(cmd)
			results = append(results, r)
			continue
		}
		resp, err := step.response()
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i+1)
		}
		r.Input = fmt.Sprintf("shard %d %s", step.Shard, describeResponse(resp))
		out, err := state.AbsorbResponse(step.Shard, resp)
		switch {
		case err != nil:
			r.Error = err.Error()
		case out != nil:
			r.Emitted = describeResponse(out)
		}
		results = append(results, r)
	}
	return results, nil
}

func (s replayStep) command() (storage.Command, error) {
	ids, err := parseIDs(s.IDs)
	if err != nil {
		return nil, err
	}
	switch s.Command {
	case "create_timely":
		return storage.CreateTimely{Config: storage.TimelyConfig{Workers: max(s.Workers, 1)}}, nil
	case "run_ingestions":
		cmd := storage.RunIngestions{}
		for _, id := range ids {
			cmd.Ingestions = append(cmd.Ingestions, storage.RunIngestionCommand{ID: id})
		}
		return cmd, nil
	case "run_sinks":
		from, err := model.ParseGlobalID(s.From)
		if err != nil {
			return nil, errors.Wrap(err, "run_sinks needs from")
		}
		cmd := storage.RunSinks{}
		for _, id := range ids {
			cmd.Sinks = append(cmd.Sinks, storage.RunSinkCommand{ID: id, From: from, AsOf: frontier.Minimum()})
		}
		return cmd, nil
	case "allow_compaction":
		cmd := storage.AllowCompaction{}
		f := antichainOf(s.Frontier)
		for _, id := range ids {
			cmd.Collections = append(cmd.Collections, storage.Compaction{ID: id, Frontier: f})
		}
		return cmd, nil
	default:
		return nil, errors.Newf("unknown command %q", s.Command)
	}
}

func (s replayStep) response() (storage.Response, error) {
	switch {
	case len(s.Uppers) > 0 && len(s.Dropped) > 0:
		return nil, errors.New("a report carries either uppers or dropped ids")
	case len(s.Uppers) > 0:
		resp := storage.FrontierUppers{}
		for _, u := range s.Uppers {
			id, err := model.ParseGlobalID(u.ID)
			if err != nil {
				return nil, err
			}
			resp.Uppers = append(resp.Uppers, storage.FrontierUpper{ID: id, Upper: antichainOf(u.Upper)})
		}
		return resp, nil
	case len(s.Dropped) > 0:
		ids, err := parseIDs(s.Dropped)
		if err != nil {
			return nil, err
		}
		return storage.DroppedIDs{IDs: ids}, nil
	default:
		return nil, errors.New("step has neither a command nor a report")
	}
}

// antichainOf keeps an empty list empty: in a replay it means closed.
func antichainOf(ts []uint64) frontier.Antichain {
	out := frontier.New()
	for _, t := range ts {
		out.Insert(model.Timestamp(t))
	}
	return out
}

func describeCommand(cmd storage.Command) string {
	var ids []string
	switch cmd := cmd.(type) {
	case storage.RunIngestions:
		for _, in := range cmd.Ingestions {
			ids = append(ids, in.ID.String())
		}
	case storage.RunSinks:
		for _, s := range cmd.Sinks {
			ids = append(ids, s.ID.String())
		}
	case storage.AllowCompaction:
		for _, c := range cmd.Collections {
			ids = append(ids, c.ID.String()+" "+c.Frontier.String())
		}
	}
	if len(ids) == 0 {
		return cmd.Kind()
	}
	return cmd.Kind() + " " + strings.Join(ids, ", ")
}

func describeResponse(resp storage.Response) string {
	switch resp := resp.(type) {
	case storage.FrontierUppers:
		parts := make([]string, len(resp.Uppers))
		for i, u := range resp.Uppers {
			parts[i] = u.ID.String() + " " + u.Upper.String()
		}
		return resp.Kind() + " " + strings.Join(parts, ", ")
	case storage.DroppedIDs:
		parts := make([]string, len(resp.IDs))
		for i, id := range resp.IDs {
			parts[i] = id.String()
		}
		return resp.Kind() + " " + strings.Join(parts, ", ")
	default:
		return resp.Kind()
	}
}
