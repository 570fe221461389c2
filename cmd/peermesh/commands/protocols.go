package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moltbunker/peermesh/internal/protocol"
)

func NewProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List the supported wire protocols",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSIONS\tMAX FRAME\tBLOCKING RECV")
			for _, p := range protocol.All() {
				m := p.Meta()
				versions := make([]string, len(m.Versions))
				for i, v := range m.Versions {
					versions[i] = string(v)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\n",
					m.ID, m.Name, strings.Join(versions, ","),
					formatBytes(m.MaxFrameLength), m.Blocking.Receive)
			}
			w.Flush()
		},
	}
}

func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%d MB", n/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%d KB", n/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
