package core

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Delta is a single difference between the desired and live projections of
// an entity: a value added, removed, or changed at one path.
type Delta struct {
	Path    string
	Desired any
	Live    any
}

func (d Delta) String() string {
	return fmt.Sprintf("%s: desired=%v live=%v", d.Path, d.Desired, d.Live)
}

// Report is an ordered list of deltas produced by comparing two diff
// projections. An empty report means no save is needed.
type Report struct {
	Deltas []Delta
}

func (r *Report) Empty() bool { return len(r.Deltas) == 0 }

func (r *Report) String() string {
	if r.Empty() {
		return "no differences"
	}
	lines := make([]string, 0, len(r.Deltas))
	for _, d := range r.Deltas {
		lines = append(lines, d.String())
	}
	return strings.Join(lines, "\n")
}

type deltaReporter struct {
	path cmp.Path
	out  *Report
}

func (r *deltaReporter) PushStep(ps cmp.PathStep) { r.path = append(r.path, ps) }

func (r *deltaReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	vx, vy := r.path.Last().Values()
	r.out.Deltas = append(r.out.Deltas, Delta{
		Path:    pathString(r.path),
		Desired: deltaValue(vx),
		Live:    deltaValue(vy),
	})
}

func (r *deltaReporter) PopStep() { r.path = r.path[:len(r.path)-1] }

// pathString renders the full delta path. cmp.Path.String only prints struct
// field accesses, which would collapse every map key and slice index onto the
// parent field, so the path is assembled from the steps here.
func pathString(p cmp.Path) string {
	var b strings.Builder
	for _, ps := range p {
		switch s := ps.(type) {
		case cmp.StructField:
			b.WriteByte('.')
			b.WriteString(s.Name())
		case cmp.MapIndex:
			fmt.Fprintf(&b, "[%v]", s.Key())
		case cmp.SliceIndex:
			kx, ky := s.SplitKeys()
			switch {
			case kx == ky:
				fmt.Fprintf(&b, "[%d]", kx)
			case ky < 0:
				fmt.Fprintf(&b, "[%d]", kx)
			case kx < 0:
				fmt.Fprintf(&b, "[%d]", ky)
			default:
				fmt.Fprintf(&b, "[%d->%d]", kx, ky)
			}
		}
	}
	return strings.TrimPrefix(b.String(), ".")
}

func deltaValue(v reflect.Value) any {
	if !v.IsValid() {
		return "<absent>"
	}
	return v.Interface()
}

// Diff compares the diff projections of two entities and returns the ordered
// set of differences. A nil live projection means the resource does not
// exist, so every desired field is reported as an addition.
func Diff(desired, live any, opts ...cmp.Option) *Report {
	rep := &Report{}
	opts = append(opts, cmp.Reporter(&deltaReporter{out: rep}))
	cmp.Equal(desired, live, opts...)
	return rep
}
