package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "ledger",
	Short:         "Group ledger CLI",
	Long:          "A CLI for shared expense groups with per-member encryption.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(expenseCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set address, user_id, operator_token or tls_ca_cert",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, val := args[0], args[1]
			switch key {
			case "address":
				cfg.Address = strings.TrimRight(val, "/")
			case "user_id":
				if _, err := uuid.Parse(val); err != nil {
					return fmt.Errorf("user_id must be a UUID: %w", err)
				}
				cfg.UserID = val
			case "operator_token":
				cfg.OperatorToken = val
			case "tls_ca_cert":
				cfg.TLSCACert = val
			default:
				return fmt.Errorf("unknown config key %q", key)
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Saved " + key + " to " + configPath())
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if cfg.OperatorToken != "" {
				token = "(set)"
			}
			printResult(map[string]any{
				"address":        cfg.Address,
				"user_id":        cfg.UserID,
				"operator_token": token,
				"tls_ca_cert":    cfg.TLSCACert,
			})
			return nil
		},
	}

	cmd.AddCommand(setCmd, showCmd)
	return cmd
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Key provider operator commands"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the key provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, _ := cmd.Flags().GetInt("shares")
			threshold, _ := cmd.Flags().GetInt("threshold")
			result, err := newClient().post("/v1/sys/init", map[string]any{
				"secret_shares":    shares,
				"secret_threshold": threshold,
			})
			if err != nil {
				return err
			}
			printResult(result)
			fmt.Fprintln(os.Stderr, "Store these unseal keys separately. They are not shown again.")
			return nil
		},
	}
	initCmd.Flags().Int("shares", 5, "Number of key shares")
	initCmd.Flags().Int("threshold", 3, "Number of shares required to unseal")

	unsealCmd := &cobra.Command{
		Use:   "unseal [key]",
		Short: "Provide an unseal key shard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")
			body := map[string]any{"reset": reset}
			if !reset {
				body["key"] = readArgOrPrompt(args, "Unseal Key (base64): ")
			}
			result, err := newClient().post("/v1/sys/unseal", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	unsealCmd.Flags().Bool("reset", false, "Discard shards provided so far")

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal the key provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().put("/v1/sys/seal", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show seal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/seal-status")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			path, _ := cmd.Flags().GetString("path")
			url := fmt.Sprintf("/v1/sys/audit-log?limit=%d", limit)
			if path != "" {
				url += "&path=" + path
			}
			result, err := newClient().get(url)
			if err != nil {
				return err
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "timestamp", "actor_id", "operation", "path", "response_code")
			return nil
		},
	}
	auditCmd.Flags().Int("limit", 50, "Maximum entries")
	auditCmd.Flags().String("path", "", "Only entries whose path has this prefix")

	cmd.AddCommand(initCmd, unsealCmd, sealCmd, statusCmd, auditCmd)
	return cmd
}

// --- group ---

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage expense groups"}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group owned by the configured user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/groups", map[string]any{"name": args[0]})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <group-id>",
		Short: "Show a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/groups/" + args[0])
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <group-id>",
		Short: "Delete a group, its expenses and its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/v1/groups/" + args[0]); err != nil {
				return err
			}
			printSuccess("Success! Group deleted.")
			return nil
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate <group-id>",
		Short: "Rotate the group key and re-encrypt its expenses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/groups/"+args[0]+"/rotate", nil)
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, getCmd, deleteCmd, rotateCmd)
	return cmd
}

// --- expense ---

func expenseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "expense", Short: "Manage the expenses of a group"}

	addCmd := &cobra.Command{
		Use:   "add <group-id> <title> <amount>",
		Short: "Add an expense",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _ := cmd.Flags().GetString("description")
			result, err := newClient().post(expensesPath(args[0]), map[string]any{
				"title":       args[1],
				"amount":      args[2],
				"description": desc,
			})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}
	addCmd.Flags().String("description", "", "Free-text description")

	getCmd := &cobra.Command{
		Use:   "get <group-id> <expense-id>",
		Short: "Show one expense",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(expensesPath(args[0]) + "/" + args[1])
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <group-id>",
		Short: "List the expenses of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(expensesPath(args[0]))
			if err != nil {
				return err
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "id", "title", "amount", "description", "author_id", "error")
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <group-id> <expense-id>",
		Short: "Change fields of an expense",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := map[string]any{}
			for _, f := range []string{"title", "amount", "description"} {
				if cmd.Flags().Changed(f) {
					v, _ := cmd.Flags().GetString(f)
					patch[f] = v
				}
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to update: pass --title, --amount or --description")
			}
			result, err := newClient().patch(expensesPath(args[0])+"/"+args[1], patch)
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}
	updateCmd.Flags().String("title", "", "New title")
	updateCmd.Flags().String("amount", "", "New amount")
	updateCmd.Flags().String("description", "", "New description")

	deleteCmd := &cobra.Command{
		Use:   "delete <group-id> <expense-id>",
		Short: "Delete an expense",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(expensesPath(args[0]) + "/" + args[1]); err != nil {
				return err
			}
			printSuccess("Success! Expense deleted.")
			return nil
		},
	}

	cmd.AddCommand(addCmd, getCmd, listCmd, updateCmd, deleteCmd)
	return cmd
}

// helpers

func expensesPath(groupID string) string {
	return "/v1/groups/" + groupID + "/expenses"
}

// printData prints the "data" object of a response, or the whole response when absent.
func printData(result map[string]any) {
	if d, ok := result["data"].(map[string]any); ok {
		printResult(d)
		return
	}
	printResult(result)
}

func readArgOrPrompt(args []string, prompt string) string {
	if len(args) > 0 {
		return args[0]
	}
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}
