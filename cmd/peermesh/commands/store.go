package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moltbunker/peermesh/internal/peering"
)

func NewStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the on-disk peer store",
	}
	cmd.AddCommand(newStoreShowCmd())
	cmd.AddCommand(newStoreBansCmd())
	return cmd
}

func newStoreShowCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Summarize the persisted address book",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			book := peering.NewAddressBook()
			if err := book.Load(cfg.Store.Path); err != nil {
				return fmt.Errorf("load %s: %w", cfg.Store.Path, err)
			}

			fmt.Printf("Addresses: %d\n", book.Len())
			best := book.BestAddrs(top)
			if len(best) == 0 {
				return nil
			}
			fmt.Println("Best candidates:")
			for _, addr := range best {
				fmt.Printf("  %s\n", addr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "how many of the best-scored addresses to print")
	return cmd
}

func newStoreBansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bans",
		Short: "List active bans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The ban list lives next to the address book snapshot.
			path := filepath.Join(filepath.Dir(cfg.Store.Path), "banlist.json")
			bans := peering.NewBanList()
			if err := bans.Load(path); err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}

			entries := bans.List()
			if len(entries) == 0 {
				fmt.Println("No bans recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tREASON\tEXPIRES")
			for _, e := range entries {
				expires := "never"
				if !e.IsPermanent() {
					expires = e.ExpiresAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Host, e.Reason, expires)
			}
			return w.Flush()
		},
	}
}
