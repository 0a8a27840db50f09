package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexschlessinger/toolbridge/llm"
	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/urfave/cli/v3"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Print JSON instead of a table",
	}
}

func serversCommand() *cli.Command {
	return &cli.Command{
		Name:  "servers",
		Usage: "Start the configured servers and show their state",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				status := rt.manager.Status()
				if cmd.Bool("json") {
					return writeJSON(os.Stdout, status)
				}
				if len(status) == 0 {
					fmt.Println(styled(dimStyle, "no servers configured"))
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, styled(boldStyle, "SERVER\tSTATE\tTOOLS\tENDPOINT\tERROR"))
				for _, st := range status {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						st.ID,
						styled(stateStyle(st.State), st.State.String()),
						len(st.Tools),
						st.Endpoint,
						styled(errorStyle, st.LastError))
				}
				return w.Flush()
			})
		},
	}
}

// toolView is the listing shape of one definition
type toolView struct {
	Name        string `json:"name"`
	Origin      string `json:"origin"`
	Mode        string `json:"mode"`
	Description string `json:"description,omitempty"`
}

func toolsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tools",
		Usage: "List every tool currently available",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				snap := rt.registry.Snapshot(ctx)
				defs := snap.Definitions()
				for _, c := range snap.Conflicts() {
					fmt.Fprintf(os.Stderr, "%s %s from %s hidden by %s\n",
						styled(warnStyle, "conflict:"), c.Name, c.Dropped, c.Kept)
				}

				views := make([]toolView, len(defs))
				for i, d := range defs {
					views[i] = toolView{Name: d.Name, Origin: string(d.Origin), Mode: string(d.Mode), Description: d.Description}
				}
				if cmd.Bool("json") {
					return writeJSON(os.Stdout, views)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, styled(boldStyle, "TOOL\tORIGIN\tMODE\tDESCRIPTION"))
				for _, v := range views {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						styled(highlightStyle, v.Name), v.Origin, v.Mode, styled(dimStyle, v.Description))
				}
				return w.Flush()
			})
		},
	}
}

func formatCommand() *cli.Command {
	return &cli.Command{
		Name:      "format",
		Usage:     "Render tools in a provider's request format",
		ArgsUsage: "[tool names...] (default: all)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "provider",
				Usage: "Provider (" + strings.Join(llm.Providers(), ", ") + ")",
			},
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "Model in provider/model form; also checks tool support",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			names := toolNames(cmd)
			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				if model := cmd.String("model"); model != "" {
					req, err := rt.bridge.Prepare(ctx, model, names)
					if err != nil {
						return err
					}
					return writeRaw(req.Tools)
				}

				provider := cmd.String("provider")
				if provider == "" {
					return fmt.Errorf("either --provider or --model is required")
				}
				res, err := rt.bridge.Tools(ctx, names)
				if err != nil {
					return err
				}
				wire, err := rt.bridge.Format(provider, res)
				if err != nil {
					return err
				}
				return writeRaw(wire)
			})
		},
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Execute one tool",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "args",
				Usage: "Arguments as a JSON object",
				Value: "{}",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Call id to report in the result",
				Value: "cli",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for queued tools to finish",
				Value: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return fmt.Errorf("tool name is required")
			}
			var args map[string]any
			if err := json.Unmarshal([]byte(cmd.String("args")), &args); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}

			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				call := tools.ToolCall{ID: cmd.String("id"), Name: name, Arguments: args}
				res := rt.executor.Execute(ctx, rt.registry.Snapshot(ctx), call)

				if res.Pending && cmd.Bool("wait") {
					fmt.Fprintf(os.Stderr, "%s job %s\n", styled(dimStyle, "queued:"), res.JobID)
					done, err := rt.waitForJob(ctx, res.JobID)
					if err != nil {
						return err
					}
					res = done
				}
				return printResult(res)
			})
		},
	}
}

func handleCommand() *cli.Command {
	return &cli.Command{
		Name:  "handle",
		Usage: "Execute the tool calls in a provider response and print the resulting messages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "provider",
				Usage:    "Provider that produced the response",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "response",
				Usage: "Response JSON file (- for stdin)",
				Value: "-",
			},
			&cli.StringSliceFlag{
				Name:  "tool",
				Usage: "Tools that were offered with the request (default: all)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			resp, err := readResponse(cmd.String("response"))
			if err != nil {
				return err
			}
			names := cmd.StringSlice("tool")
			if len(names) == 0 {
				names = []string{tools.AllTools}
			}

			return withRuntime(ctx, cmd, func(ctx context.Context, rt *runtime) error {
				res, err := rt.bridge.Tools(ctx, names)
				if err != nil {
					return err
				}
				start := time.Now()
				turn, err := rt.bridge.Handle(ctx, cmd.String("provider"), res, resp)
				if turn == nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "%s %d tool calls in %v\n",
					styled(dimStyle, "handled:"), len(turn.Calls), time.Since(start).Round(time.Millisecond))
				if werr := writeJSON(os.Stdout, turn.Messages()); werr != nil {
					return werr
				}
				return err
			})
		},
	}
}

func toolNames(cmd *cli.Command) []string {
	if cmd.Args().Len() == 0 {
		return []string{tools.AllTools}
	}
	return cmd.Args().Slice()
}

func readResponse(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return data, nil
}

// writeRaw re-encodes provider JSON through writeJSON so it honors the
// terminal check
func writeRaw(data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return writeJSON(os.Stdout, v)
}

func printResult(res tools.Result) error {
	if isTerminal() {
		if res.Success {
			fmt.Println(res.Content())
		} else {
			fmt.Println(styled(errorStyle, res.Content()))
		}
		fmt.Fprintln(os.Stderr, styled(dimStyle, fmt.Sprintf("%dms, %d attempt(s)", res.DurationMs(), res.Attempts)))
	} else if err := writeJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("tool %s failed", res.ErrorKind)
	}
	return nil
}
