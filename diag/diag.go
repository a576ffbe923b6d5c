// Package diag renders internal structures — parsed CIE/FDE tables and
// unwind traces — as Graphviz dot graphs, for debugging this engine itself.
// It follows the same pattern the teacher's command parser test uses to
// visualize its own data: build a plain exported-field snapshot and hand it
// to memviz.Map.
package diag

import (
	"io"

	"github.com/bradleyjkemp/memviz"

	"github.com/jetsetilly/coredbg/frame"
	"github.com/jetsetilly/coredbg/unwind"
)

// frameSnapshot is an exported-field mirror of frame.Section, since memviz
// walks a value's fields by reflection and frame.Section keeps its table
// unexported.
type frameSnapshot struct {
	CIEs map[uint64]*frame.CIE
	FDEs []*fdeSnapshot
}

type fdeSnapshot struct {
	StartAddress uint64
	EndAddress   uint64
	CIE          *frame.CIE
}

// DumpFrameSection writes a Graphviz dot graph of sec's CIE/FDE table to w.
func DumpFrameSection(w io.Writer, sec *frame.Section) {
	snap := frameSnapshot{CIEs: sec.CIEs()}
	for _, f := range sec.FDEs() {
		snap.FDEs = append(snap.FDEs, &fdeSnapshot{
			StartAddress: f.StartAddress,
			EndAddress:   f.EndAddress,
			CIE:          f.CIE,
		})
	}
	memviz.Map(w, &snap)
}

// DumpUnwindTrace writes a Graphviz dot graph of a recovered call stack to w.
func DumpUnwindTrace(w io.Writer, frames []unwind.Frame) {
	memviz.Map(w, &frames)
}
