package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/tinyrange/partmon/internal/sysreg"
)

func runRegs(args []string, stdout io.Writer) error {
	fs := newFlagSet("regs", stdout)
	all := fs.Bool("all", false, "list every known register, not only the debug registers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENCODING\tACCESS\tMRS\tMSR")
	for _, r := range sysreg.All() {
		if !*all && !r.IsDebug() {
			continue
		}
		mrs, msr := "-", "-"
		if w, err := sysreg.EncodeMRS(0, r); err == nil {
			mrs = fmt.Sprintf("%#08x", w)
		}
		if w, err := sysreg.EncodeMSR(r, 0); err == nil {
			msr = fmt.Sprintf("%#08x", w)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r, r.Encoding(), r.Access(), mrs, msr)
	}
	return tw.Flush()
}
