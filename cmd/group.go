package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javi11/nntp-storage/storage"
)

func newGroupCmd(v *viper.Viper) *cobra.Command {
	group := &cobra.Command{
		Use:   "group",
		Short: "Provision and inspect newsgroups",
	}

	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a newsgroup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := v.GetString("flags")
			switch flags {
			case storage.FlagPostingPermitted, storage.FlagPostingNotPermitted, storage.FlagModerated:
			default:
				return fmt.Errorf("invalid flags %q (expected y, n or m)", flags)
			}
			return withAdmin(cmd, v, func(a storage.Administrator) error {
				return a.AddGroup(cmd.Context(), args[0], flags)
			})
		},
	}
	add.Flags().String("flags", storage.FlagPostingPermitted, WrapString("Group flags: y (posting permitted), n (not permitted) or m (moderated)"))

	subscribe := &cobra.Command{
		Use:   "subscribe NAME",
		Short: "Add a newsgroup to the default subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, v, func(a storage.Administrator) error {
				return a.AddSubscription(cmd.Context(), args[0])
			})
		},
	}

	moderator := &cobra.Command{
		Use:   "moderator GROUP ADDRESS",
		Short: "Add a moderator address to a newsgroup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, v, func(a storage.Administrator) error {
				return a.AddModerator(cmd.Context(), args[0], args[1])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List newsgroups with their article range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			b, err := openBackend(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			groups, err := b.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			subs, err := b.Subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			subscribed := make(map[string]bool, len(subs))
			for _, s := range subs {
				subscribed[s] = true
			}

			name := color.New(color.FgGreen, color.Bold)
			moderated := color.New(color.FgYellow)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tLOW\tHIGH\tFLAGS\tSUBSCRIBED")
			for _, g := range groups {
				flags := g.Flags
				if flags == storage.FlagModerated {
					flags = moderated.Sprint(flags)
				}
				sub := ""
				if subscribed[g.Name] {
					sub = "*"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", name.Sprint(g.Name), g.Low, g.High, flags, sub)
			}
			return w.Flush()
		},
	}

	group.AddCommand(add, subscribe, moderator, list)
	return group
}

// withAdmin opens the configured backend and runs fn against its
// administrative interface.
func withAdmin(cmd *cobra.Command, v *viper.Viper, fn func(storage.Administrator) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	b, err := openBackend(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := fn(b); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}
