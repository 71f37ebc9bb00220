package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"venue-coordinator/internal/risk"
	"venue-coordinator/internal/storage"
)

// Offline stop-policy checker. Feed it a position snapshot and it prints
// what the monitor would do with it.
//
//	check-stops LONG 2000 2049 1 2070 0
func main() {
	if len(os.Args) != 7 {
		fmt.Fprintln(os.Stderr, "usage: check-stops <side> <entry> <current> <trailing-pct> <highest> <lowest>")
		os.Exit(1)
	}

	side := storage.Side(strings.ToUpper(os.Args[1]))
	if side != storage.SideLong && side != storage.SideShort {
		color.Red("❌ side must be LONG or SHORT")
		os.Exit(1)
	}

	nums := make([]float64, 5)
	for i, arg := range os.Args[2:] {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			color.Red("❌ %q is not a number", arg)
			os.Exit(1)
		}
		nums[i] = v
	}
	entry, current, trailingPct, highest, lowest := nums[0], nums[1], nums[2], nums[3], nums[4]

	fmt.Println("----------------------------------------")
	fmt.Printf("%s entry=%.4f current=%.4f trailing=%.2f%%\n", side, entry, current, trailingPct)
	fmt.Printf("anchors: highest=%.4f lowest=%.4f\n", highest, lowest)
	fmt.Printf("arm threshold: %.4f\n", risk.ArmPrice(side, entry))
	fmt.Println("----------------------------------------")

	d := risk.Evaluate(side, entry, current, trailingPct, highest, lowest)

	if d.AnchorMoved {
		if side == storage.SideShort {
			color.Yellow("anchor moves to %.4f", d.Lowest)
		} else {
			color.Yellow("anchor moves to %.4f", d.Highest)
		}
	}

	switch {
	case d.Close && d.Reason == storage.ExitHardStopLoss:
		color.Red("🛑 CLOSE: hard stop loss")
	case d.Close:
		color.Red("🛑 CLOSE: %s", d.Reason)
	default:
		color.Green("✅ HOLD")
	}
}
