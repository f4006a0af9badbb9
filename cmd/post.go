package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javi11/nntp-storage/storage"
)

func newPostCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "post [FILE]",
		Short: "Post a message read from FILE or stdin",
		Long:  `Post a complete message (headers, blank line, body) straight into the configured backend. Moderated groups divert the message to their moderators as for any other post.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening message: %w", err)
				}
				defer f.Close()
				r = f
			}
			raw, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("reading message: %w", err)
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			b, err := openBackend(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := b.Async().Post(cmd.Context(), toCRLF(string(raw))).Wait(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch res.Status {
			case storage.PostModerationPending:
				fmt.Fprintf(out, "%s %s: sent to %s\n", res.MessageID, res.Status, strings.Join(res.Moderators, ", "))
			default:
				locs := make([]string, len(res.Locations))
				for i, l := range res.Locations {
					locs[i] = l.String()
				}
				fmt.Fprintf(out, "%s %s: %s\n", res.MessageID, res.Status, strings.Join(locs, " "))
			}
			return nil
		},
	}
}

// toCRLF normalizes bare LF line endings, as typed or saved by an editor,
// to CRLF.
func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
