package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"atlas/internal/agent"
	"atlas/internal/domain"
	"atlas/internal/registry"
	"atlas/internal/store"

	"github.com/spf13/cobra"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agents and channel bindings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import profiles, agents and channel bindings from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}

			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			sum, err := registry.Apply(cmd.Context(), st, seed, logger)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Printf("Imported %d profile(s), %d agent(s), %d binding(s)\n", sum.Profiles, sum.Agents, sum.Bindings)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list [channel-id]",
		Short: "List the agents bound to a channel in evaluation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			agents, err := st.ChannelAgents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Printf("No agents bound to channel %s\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tID\tNAME\tTYPE\tAPPROVAL")
			for i, a := range agents {
				approval := "-"
				if a.RequiresApproval {
					approval = "required"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, a.ID, a.Name, a.Type, approval)
			}
			return w.Flush()
		},
	})

	return cmd
}

func passCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pass [message-id]",
		Short: "Run one routing pass for a stored message and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			msg, err := st.GetMessage(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("message %s not found", args[0])
				}
				return err
			}
			if msg.Status == domain.StatusPending {
				return fmt.Errorf("message %s is pending human approval", msg.ID)
			}

			res, err := buildRouter(cfg, st).Pass(cmd.Context(), *msg)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
}

func postCmd() *cobra.Command {
	var noPass bool

	cmd := &cobra.Command{
		Use:   "post [channel-id] [sender-id] [text...]",
		Short: "Insert an approved human message and route it",
		Long: `Stores a human message in the channel, as a client would, then runs a
routing pass for it. With the sqlite store, where no database webhook
delivers events, each approved agent reply is routed in turn until no agent
speaks or the turn breaker trips.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			msg, err := st.InsertMessage(cmd.Context(), domain.Message{
				ChannelID: args[0],
				SenderID:  args[1],
				Content:   strings.Join(args[2:], " "),
				Status:    domain.StatusApproved,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Stored message %s\n", msg.ID)
			if noPass {
				return nil
			}

			// Without a database webhook nothing routes the replies, so follow
			// them here until the conversation settles or the breaker trips.
			limit := 1
			if _, local := st.(*store.SQLiteStore); local {
				limit = cfg.Router.BreakerThreshold + 1
			}
			results, err := agent.Chain(cmd.Context(), buildRouter(cfg, st), msg, limit)
			for _, res := range results {
				if perr := printResult(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noPass, "no-pass", false, "store the message without routing it")
	return cmd
}

func printResult(res agent.PassResult) error {
	out := map[string]any{
		"outcome":  res.Outcome,
		"skipped":  res.Skipped,
		"declined": res.Declined,
	}
	if len(res.Failures) > 0 {
		failures := make(map[string]string, len(res.Failures))
		for _, f := range res.Failures {
			failures[f.AgentID] = f.Err.Error()
		}
		out["trigger_failures"] = failures
	}
	if res.Inserted != nil {
		out["inserted"] = res.Inserted
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
