// Command canfilter shows the acceptance filter a watch specification
// synthesizes to and tests identifiers against it.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/filter"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "canfilter",
		Short:         "Inspect CAN acceptance filters",
		Long:          "Compute the id/mask pair a watch request programs into a mailbox and check which identifiers it lets through.",
		SilenceUsage: true,
	}
	root.AddCommand(newIDCmd(), newMaskCmd(), newRangeCmd(), newMatchCmd())
	return root
}

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id ID",
		Short: "Filter for exactly one identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			printFilter(cmd.OutOrStdout(), filter.ForID(id))
			return nil
		},
	}
}

func newMaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mask ID MASK",
		Short: "Filter from an identifier and mask",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mask, err := parseID(args[1])
			if err != nil {
				return err
			}
			printFilter(cmd.OutOrStdout(), filter.ForIDMask(id, mask))
			return nil
		},
	}
}

func newRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range LO HI",
		Short: "Filter covering an inclusive identifier range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lo, err := parseID(args[0])
			if err != nil {
				return err
			}
			hi, err := parseID(args[1])
			if err != nil {
				return err
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			f := filter.ForRange(lo, hi)
			out := cmd.OutOrStdout()
			printFilter(out, f)
			if want := uint64(hi-lo) + 1; f.Span() > want {
				fmt.Fprintf(out, "warning: range holds %d ids, filter lets through %d\n", want, f.Span())
			}
			return nil
		},
	}
}

func newMatchCmd() *cobra.Command {
	var extended bool
	cmd := &cobra.Command{
		Use:   "match SPEC ID...",
		Short: "Check identifiers against a watch spec (all | ID | ID/MASK | LO-HI)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := filter.Parse(args[0])
			if err != nil {
				return err
			}
			fs := req.Filters()
			out := cmd.OutOrStdout()
			for _, a := range args[1:] {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				ext := extended || id > can.CAN_SFF_MASK
				verdict := "reject"
				for _, f := range fs {
					if f.Matches(id, ext) {
						verdict = "accept"
						break
					}
				}
				fmt.Fprintf(out, "0x%X ext=%t %s\n", id, ext, verdict)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&extended, "extended", "x", false, "treat identifiers up to 0x7FF as extended")
	return cmd
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad identifier %q: %w", s, err)
	}
	if v > can.CAN_EFF_MASK {
		return 0, fmt.Errorf("identifier 0x%X exceeds 29 bits", v)
	}
	return uint32(v), nil
}

func printFilter(w io.Writer, f filter.Filter) {
	fmt.Fprintf(w, "id=0x%X mask=0x%X ext=%t span=%d\n", f.ID, f.Mask, f.Extended, f.Span())
}
