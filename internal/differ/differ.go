// Package differ finds the lines inserted between two revisions of a page.
package differ

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"signbot/internal/model"
)

// OpKind is the kind of a line-level diff group.
type OpKind int

// Line-level group kinds.
const (
	OpEqual OpKind = iota
	OpDelete
	OpInsert
	OpReplace
)

// Op is a group of lines aligned between the old and new revisions.
// Old lines are [I1, I2) and new lines are [J1, J2).
type Op struct {
	Kind   OpKind
	I1, I2 int
	J1, J2 int
}

// SplitLines splits page text into lines. An empty text has no lines.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Inserted returns the lines of newLines that were inserted relative to
// oldLines, in ascending index order.
//
// Lines inside a replace group are compared character by character: a new
// line made up mostly of text carried over from the old side is an edit of an
// existing line and is not reported.
func Inserted(oldLines, newLines []string) []model.InsertedLine {
	var out []model.InsertedLine
	for _, op := range Ops(oldLines, newLines) {
		switch op.Kind {
		case OpInsert:
			for j := op.J1; j < op.J2; j++ {
				out = append(out, model.InsertedLine{Index: j, Text: newLines[j]})
			}
		case OpReplace:
			fresh := replacedLines(oldLines[op.I1:op.I2], newLines[op.J1:op.J2])
			for k, ok := range fresh {
				if ok {
					j := op.J1 + k
					out = append(out, model.InsertedLine{Index: j, Text: newLines[j]})
				}
			}
		}
	}
	return out
}

// Ops aligns oldLines and newLines and returns the line-level groups in order.
func Ops(oldLines, newLines []string) []Op {
	dmp := newDMP()
	a, b, lineArray := dmp.DiffLinesToRunes(joinLines(oldLines), joinLines(newLines))
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(a, b, false), lineArray)

	var ops []Op
	i, j := 0, 0
	for k := 0; k < len(diffs); k++ {
		d := diffs[k]
		n := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			ops = append(ops, Op{Kind: OpEqual, I1: i, I2: i + n, J1: j, J2: j + n})
			i += n
			j += n
		case diffmatchpatch.DiffDelete:
			if k+1 < len(diffs) && diffs[k+1].Type == diffmatchpatch.DiffInsert {
				m := strings.Count(diffs[k+1].Text, "\n")
				ops = append(ops, Op{Kind: OpReplace, I1: i, I2: i + n, J1: j, J2: j + m})
				i += n
				j += m
				k++
				continue
			}
			ops = append(ops, Op{Kind: OpDelete, I1: i, I2: i + n, J1: j, J2: j})
			i += n
		case diffmatchpatch.DiffInsert:
			if k+1 < len(diffs) && diffs[k+1].Type == diffmatchpatch.DiffDelete {
				m := strings.Count(diffs[k+1].Text, "\n")
				ops = append(ops, Op{Kind: OpReplace, I1: i, I2: i + m, J1: j, J2: j + n})
				i += m
				j += n
				k++
				continue
			}
			ops = append(ops, Op{Kind: OpInsert, I1: i, I2: i, J1: j, J2: j + n})
			j += n
		}
	}
	return ops
}

// replacedLines reports, for each new line of a replace group, whether it is
// new content rather than an edited old line.
func replacedLines(oldBlock, newBlock []string) []bool {
	dmp := newDMP()
	diffs := dmp.DiffMain(joinLines(oldBlock), joinLines(newBlock), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	total := make([]int, len(newBlock))
	kept := make([]int, len(newBlock))
	line := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffDelete {
			continue
		}
		for _, seg := range strings.SplitAfter(d.Text, "\n") {
			if seg == "" {
				continue
			}
			text := strings.TrimSuffix(seg, "\n")
			if line < len(newBlock) {
				n := utf8.RuneCountInString(text)
				total[line] += n
				if d.Type == diffmatchpatch.DiffEqual {
					kept[line] += n
				}
			}
			if strings.HasSuffix(seg, "\n") {
				line++
			}
		}
	}

	fresh := make([]bool, len(newBlock))
	for k := range newBlock {
		fresh[k] = total[k] == 0 || kept[k]*2 < total[k]
	}
	return fresh
}

// newDMP returns a diff engine without a deadline so results do not depend on
// machine speed.
func newDMP() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp
}

// joinLines terminates every line with a newline so the last line of a text
// compares equal to the same line followed by more text.
func joinLines(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
