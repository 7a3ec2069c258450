package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	serverURL   string
	sessionPath string
	Version     = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wraith-admin",
		Short: "Wraith - management console",
		Long:  "Manage agents, commands and settings on a Wraith API endpoint",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "API endpoint URL (default http://localhost:8080/api)")
	rootCmd.PersistentFlags().StringVar(&sessionPath, "session", defaultSessionPath(), "Session state file")

	rootCmd.AddCommand(
		loginCmd(),
		logoutCmd(),
		infoCmd(),
		wraithsCmd(),
		issueCmd(),
		cancelCmd(),
		resultsCmd(),
		setCmd(),
		rotateCmd(),
		usersCmd(),
		backupCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [username]",
		Short: "Authenticate and store a management session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = "http://localhost:8080/api"
			}
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			sess, err := login(serverURL, args[0], string(password))
			if err != nil {
				return err
			}
			if err := sess.save(sessionPath); err != nil {
				return err
			}
			fmt.Printf("Logged in to %s (API %s)\n", serverURL, sess.APIVersion)
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Close the management session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			if _, err := c.request("logout", nil); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: remote logout failed: %v\n", err)
			}
			if err := os.Remove(sessionPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show endpoint status, settings and accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			reply, err := c.request("fetchInfo", nil)
			if err != nil {
				return err
			}
			data, _ := reply["data"].(map[string]any)

			fmt.Printf("Endpoint: %s\n", c.sess.ServerURL)
			fmt.Printf("API version:    %v\n", data["APIVersion"])
			fmt.Printf("Logged in as:   %v\n", data["sessionUsername"])
			fmt.Printf("Active wraiths: %v\n", data["activeWraiths"])

			if settings, ok := data["settings"].(map[string]any); ok {
				fmt.Println("\nSettings:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for key, value := range settings {
					fmt.Fprintf(w, "  %s\t%v\n", key, value)
				}
				w.Flush()
			}
			if users, ok := data["users"].([]any); ok {
				fmt.Println("\nAccounts:")
				for _, raw := range users {
					u, _ := raw.(map[string]any)
					fmt.Printf("  %v (privilege %v)\n", u["userName"], u["privileges"])
				}
			}
			return nil
		},
	}
}

func wraithsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "wraiths",
		Aliases: []string{"ls", "list"},
		Short:   "List active agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			reply, err := c.request("listWraiths", nil)
			if err != nil {
				return err
			}
			wraiths, _ := reply["wraiths"].([]any)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ASSIGNED ID\tHOSTNAME\tOS\tLAST HEARTBEAT")
			fmt.Fprintln(w, "-----------\t--------\t--\t--------------")
			for _, raw := range wraiths {
				wr, _ := raw.(map[string]any)
				host, _ := wr["hostProperties"].(map[string]any)
				var last string
				if ts, ok := wr["lastHeartbeat"].(float64); ok {
					last = time.Since(time.Unix(int64(ts), 0)).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%v\t%v\t%v\t%s\n", wr["assignedID"], host["hostname"], host["osType"], last)
			}
			w.Flush()
			return nil
		},
	}
}

func issueCmd() *cobra.Command {
	var targets []string
	cmd := &cobra.Command{
		Use:   "issue [command] [params...]",
		Short: "Issue a command to one or more agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(targets) == 0 {
				return fmt.Errorf("at least one --target is required")
			}
			c, err := connect()
			if err != nil {
				return err
			}
			reply, err := c.request("issueCommand", map[string]any{
				"name":    args[0],
				"params":  args[1:],
				"targets": targets,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Command issued: %v\n", reply["commandID"])
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "Target agent assigned ID (repeatable)")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [commandID]",
		Short: "Cancel a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			if _, err := c.request("cancelCommand", map[string]any{"commandID": args[0]}); err != nil {
				return err
			}
			fmt.Println("Command cancelled")
			return nil
		},
	}
}

func resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results [commandID]",
		Short: "Show responses collected for a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			reply, err := c.request("fetchResults", map[string]any{"commandID": args[0]})
			if err != nil {
				return err
			}

			fmt.Printf("Command: %v (%v)\n", reply["commandID"], reply["name"])
			targets, _ := reply["targets"].([]any)
			responses, _ := reply["responses"].(map[string]any)
			for _, raw := range targets {
				target, _ := raw.(string)
				if response, ok := responses[target]; ok {
					fmt.Printf("  %s: %v\n", target, response)
				} else {
					fmt.Printf("  %s: (pending)\n", target)
				}
			}
			return nil
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Update an endpoint setting (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			if _, err := c.request("updateSetting", map[string]any{"key": args[0], "value": args[1]}); err != nil {
				return err
			}
			fmt.Println("Setting updated")
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:       "rotate [switch-key|first-layer-key]",
		Short:     "Rotate an endpoint encryption key (admin)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"switch-key", "first-layer-key"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			switch args[0] {
			case "switch-key":
				reply, err := c.request("rotateSwitchKey", map[string]any{"force": force})
				if err != nil {
					return err
				}
				fmt.Printf("New switch key: %v\n", reply["switchKey"])
			case "first-layer-key":
				reply, err := c.request("rotateFirstLayerKey", map[string]any{"force": force})
				if err != nil {
					return err
				}
				newKey, _ := reply["firstLayerKey"].(string)
				// Future requests from this console must use the new key.
				c.sess.FirstLayerKey = newKey
				if err := c.sess.save(sessionPath); err != nil {
					return fmt.Errorf("key rotated but session file update failed: %w", err)
				}
				fmt.Println("First-layer key rotated; session file updated")
			default:
				return fmt.Errorf("unknown key %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rotate even while clients are active")
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage management accounts (superadmin)",
	}

	addCmd := &cobra.Command{
		Use:   "add [username] [privilege]",
		Short: "Create an account (privilege: 0=user 1=admin 2=superadmin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			privilege, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("privilege must be a number: %w", err)
			}
			fmt.Fprint(os.Stderr, "New account password: ")
			password, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			_, err = c.request("manageUsers", map[string]any{
				"action":     "add",
				"username":   args[0],
				"password":   string(password),
				"privileges": privilege,
			})
			if err != nil {
				return err
			}
			fmt.Println("Account created")
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove [username]",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			if _, err := c.request("manageUsers", map[string]any{"action": "remove", "username": args[0]}); err != nil {
				return err
			}
			fmt.Println("Account removed")
			return nil
		},
	}

	privilegeCmd := &cobra.Command{
		Use:   "privilege [username] [level]",
		Short: "Change an account's privilege level",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("privilege must be a number: %w", err)
			}
			c, err := connect()
			if err != nil {
				return err
			}
			_, err = c.request("manageUsers", map[string]any{
				"action":     "setPrivilege",
				"username":   args[0],
				"privileges": level,
			})
			if err != nil {
				return err
			}
			fmt.Println("Privilege updated")
			return nil
		},
	}

	cmd.AddCommand(addCmd, removeCmd, privilegeCmd)
	return cmd
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Export an encrypted database snapshot on the endpoint (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			reply, err := c.request("exportBackup", nil)
			if err != nil {
				return err
			}
			fmt.Printf("Backup written on endpoint: %v\n", reply["backupPath"])
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wraith-admin version %s\n", Version)
		},
	}
}

func connect() (*client, error) {
	sess, err := loadSession(sessionPath)
	if err != nil {
		return nil, err
	}
	// --server beats the stored URL so one session can follow a moved
	// endpoint, as long as the keys still match.
	if strings.TrimSpace(serverURL) != "" {
		sess.ServerURL = serverURL
	}
	return newClient(sess)
}
