package wast

import (
	"fmt"

	"github.com/xplshn/ssa2wast/pkg/relooper"
	"github.com/xplshn/ssa2wast/pkg/ssa"
)

type blockKind int

const (
	blockWhile1 blockKind = iota
	blockDo
	blockSwitch
	blockCase
	blockIf
)

// blockType is one logical renderer frame. depth counts the extra physical
// frames the entry owns: else-if chains for If, remaining case blocks for
// Switch.
type blockType struct {
	kind  blockKind
	depth uint32
}

// renderInterface adapts the relooper's event stream onto the output. It owns
// the frame stack used to compute numeric branch depths.
type renderInterface struct {
	w          *Writer
	blockTypes []blockType
	labelLocal int

	// lastDepth0Block is the last basic block emitted outside any frame; the
	// function epilogue uses it to decide whether a synthetic return is
	// needed.
	lastDepth0Block *ssa.BasicBlock
}

func newRenderInterface(w *Writer, labelLocal int) *renderInterface {
	return &renderInterface{w: w, labelLocal: labelLocal}
}

func (ri *renderInterface) findSwitchBlockType() *blockType {
	for i := len(ri.blockTypes); i > 0; {
		i--
		if ri.blockTypes[i].kind == blockSwitch {
			return &ri.blockTypes[i]
		}
	}
	ri.w.setErr(fmt.Errorf("internal error: switch render block not found"))
	return &blockType{kind: blockSwitch}
}

func (ri *renderInterface) indent() {
	for i := 0; i < len(ri.blockTypes); i++ {
		ri.w.print("  ")
	}
}

// renderCondition emits the branch condition selecting branchID out of b's
// terminator.
func (ri *renderInterface) renderCondition(b *ssa.BasicBlock, branchID int) {
	term := b.Terminator()
	if term == nil {
		ri.w.setErr(fmt.Errorf("internal error: condition requested for block %q without terminator", b.Name))
		return
	}
	switch term.Op {
	case ssa.OpCondBr:
		// The false arm is the default; only the taken arm has a condition.
		if branchID != 0 {
			ri.w.setErr(fmt.Errorf("internal error: conditional branch has no branch id %d", branchID))
			return
		}
		ri.w.compileOperand(term.Ops[0])
	case ssa.OpSwitch:
		if branchID <= 0 || branchID > len(term.Cases) {
			ri.w.setErr(fmt.Errorf("internal error: switch branch id %d out of range", branchID))
			return
		}
		c := term.Cases[branchID-1]
		dest := c.Dest
		ri.w.compileOperand(term.Ops[0])
		ri.w.print("\n")
		ri.w.printf("i32.const %d", c.Val)
		ri.w.print("\ni32.eq")
		// Later cases with the same destination fold into the condition.
		for _, more := range term.Cases[branchID:] {
			if more.Dest != dest {
				continue
			}
			ri.w.print("\n")
			ri.w.compileOperand(term.Ops[0])
			ri.w.print("\n")
			ri.w.printf("i32.const %d", more.Val)
			ri.w.print("\ni32.eq\ni32.or")
		}
	default:
		ri.w.setErr(fmt.Errorf("internal error: terminator %s cannot provide a branch condition", term.Op))
	}
}

func (ri *renderInterface) RenderBlock(b *ssa.BasicBlock) {
	if len(ri.blockTypes) == 0 {
		ri.lastDepth0Block = b
	} else {
		ri.lastDepth0Block = nil
	}
	ri.w.compileBB(b)
}

func (ri *renderInterface) RenderIfBlockBegin(b *ssa.BasicBlock, branchID int, first bool) {
	if !first {
		ri.indent()
		ri.w.print("else\n")
	}
	ri.renderCondition(b, branchID)
	ri.w.print("\n")
	ri.indent()
	ri.w.print("if\n")
	if first {
		ri.blockTypes = append(ri.blockTypes, blockType{kind: blockIf})
	} else {
		top := &ri.blockTypes[len(ri.blockTypes)-1]
		if top.kind != blockIf {
			ri.w.setErr(fmt.Errorf("internal error: else-if outside an if chain"))
			return
		}
		top.depth++
	}
}

// RenderIfBlockBeginSkip opens an if taken when none of the skip branches
// fire: the disjunction of their conditions, inverted.
func (ri *renderInterface) RenderIfBlockBeginSkip(b *ssa.BasicBlock, skipBranchIDs []int, first bool) {
	if !first {
		ri.indent()
		ri.w.print("else\n")
	}
	for i, id := range skipBranchIDs {
		ri.renderCondition(b, id)
		ri.w.print("\n")
		if i != 0 {
			ri.w.print("i32.or\n")
		}
	}
	ri.w.print("i32.const 1\ni32.xor\n")
	ri.indent()
	ri.w.print("if\n")
	if first {
		ri.blockTypes = append(ri.blockTypes, blockType{kind: blockIf})
	} else {
		top := &ri.blockTypes[len(ri.blockTypes)-1]
		if top.kind != blockIf {
			ri.w.setErr(fmt.Errorf("internal error: else-if outside an if chain"))
			return
		}
		top.depth++
	}
}

func (ri *renderInterface) RenderElseBlockBegin() {
	if len(ri.blockTypes) == 0 || ri.blockTypes[len(ri.blockTypes)-1].kind != blockIf {
		ri.w.setErr(fmt.Errorf("internal error: else outside an if"))
		return
	}
	ri.indent()
	ri.w.print("else\n")
}

func (ri *renderInterface) RenderBlockEnd() {
	if len(ri.blockTypes) == 0 {
		ri.w.setErr(fmt.Errorf("internal error: block end with empty frame stack"))
		return
	}
	top := ri.blockTypes[len(ri.blockTypes)-1]
	ri.blockTypes = ri.blockTypes[:len(ri.blockTypes)-1]

	switch top.kind {
	case blockWhile1:
		// The inner block falls through here; the fake value satisfies the
		// block typing of the enclosing frames.
		ri.w.print("i32.const 0\nbr 1\nend\nend\n")
	case blockCase:
		ri.w.print("end\n")
		sw := ri.findSwitchBlockType()
		if sw.depth == 0 {
			ri.w.setErr(fmt.Errorf("internal error: case end with no remaining switch capacity"))
			return
		}
		sw.depth--
	case blockIf:
		for i := uint32(0); i < top.depth+1; i++ {
			ri.indent()
			ri.w.print("end\n")
		}
	case blockSwitch:
		if top.depth != 0 {
			ri.w.setErr(fmt.Errorf("internal error: switch closed with %d cases remaining", top.depth))
		}
	default:
		ri.w.setErr(fmt.Errorf("internal error: do block closed through generic end"))
	}
}

func (ri *renderInterface) RenderBlockPrologue(to, from *ssa.BasicBlock) {
	ri.w.compilePHIOfBlockFromOtherBlock(to, from)
}

func (ri *renderInterface) HasBlockPrologue(to, from *ssa.BasicBlock) bool {
	if !to.HasPhis() {
		return false
	}
	return ri.w.edgeNeedsCopy(to, from)
}

func (ri *renderInterface) RenderWhileBlockBegin() {
	// Wrap a block in a loop so that the inner block is the break target and
	// the loop the continue target.
	ri.indent()
	ri.w.print("loop\n")
	ri.indent()
	ri.w.print("block\n")
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockWhile1})
}

func (ri *renderInterface) RenderWhileBlockBeginLabeled(labelID int) {
	ri.indent()
	ri.w.printf("loop $c%d\n", labelID)
	ri.indent()
	ri.w.printf("block $%d\n", labelID)
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockWhile1})
}

func (ri *renderInterface) RenderDoBlockBegin() {
	ri.indent()
	ri.w.print("block\n")
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockDo})
}

func (ri *renderInterface) RenderDoBlockBeginLabeled(labelID int) {
	ri.indent()
	ri.w.printf("block $%d\n", labelID)
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockDo})
}

func (ri *renderInterface) RenderDoBlockEnd() {
	if len(ri.blockTypes) == 0 || ri.blockTypes[len(ri.blockTypes)-1].kind != blockDo {
		ri.w.setErr(fmt.Errorf("internal error: do end without a do block"))
		return
	}
	ri.blockTypes = ri.blockTypes[:len(ri.blockTypes)-1]
	ri.indent()
	ri.w.print("end\n")
}

func (ri *renderInterface) RenderBreak() {
	if len(ri.blockTypes) == 0 {
		ri.w.setErr(fmt.Errorf("internal error: break outside any enclosing block"))
		return
	}
	top := ri.blockTypes[len(ri.blockTypes)-1]
	if top.kind == blockCase {
		sw := ri.findSwitchBlockType()
		if sw.depth == 0 {
			ri.w.setErr(fmt.Errorf("internal error: break with no remaining switch capacity"))
			return
		}
		ri.w.printf("br %d\n", sw.depth-1)
		return
	}
	breakIndex := uint32(0)
	for i := 0; i < len(ri.blockTypes); i++ {
		bt := ri.blockTypes[len(ri.blockTypes)-i-1]
		if bt.kind == blockDo || bt.kind == blockWhile1 {
			break
		}
		breakIndex += bt.depth + 1
	}
	ri.w.printf("br %d\n", breakIndex)
}

func (ri *renderInterface) RenderBreakLabeled(labelID int) {
	ri.w.printf("br $%d\n", labelID)
}

func (ri *renderInterface) RenderContinue() {
	breakIndex := uint32(0)
	for i := 0; i < len(ri.blockTypes); i++ {
		bt := ri.blockTypes[len(ri.blockTypes)-i-1]
		if bt.kind == blockDo || bt.kind == blockWhile1 {
			break
		}
		breakIndex += bt.depth + 1
	}
	breakIndex++
	ri.w.printf("br %d\n", breakIndex)
}

func (ri *renderInterface) RenderContinueLabeled(labelID int) {
	ri.w.printf("br $c%d\n", labelID)
}

func (ri *renderInterface) RenderLabel(labelID int) {
	ri.w.printf("i32.const %d\n", labelID)
	ri.w.printf("set_local %d\n", ri.labelLocal)
}

func (ri *renderInterface) RenderIfOnLabel(labelID int, first bool) {
	ri.w.printf("i32.const %d\n", labelID)
	ri.w.printf("get_local %d\n", ri.labelLocal)
	ri.w.print("i32.eq\n")
	ri.indent()
	ri.w.print("if\n")
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockIf})
}

// RenderSwitchOnLabel dispatches over the label local with a br_table. The
// first table slot is a no-op block that breaks straight out of the switch.
func (ri *renderInterface) RenderSwitchOnLabel(labelIDs []int) {
	min, max := labelIDs[0], labelIDs[0]
	for _, id := range labelIDs {
		if id < min {
			min = id
		}
		if id > max {
			max = id
		}
	}

	table := make([]uint32, max-min+1)
	blockIndex := uint32(1)
	for _, id := range labelIDs {
		table[id-min] = blockIndex
		blockIndex++
	}

	for i := 0; i < len(labelIDs)+1; i++ {
		ri.w.print("block\n")
	}

	// The br_table lives in its own block.
	ri.w.print("block\n")
	ri.w.printf("get_local %d\n", ri.labelLocal)
	if min != 0 {
		ri.w.printf("i32.const %d\n", min)
		ri.w.print("i32.sub\n")
	}
	ri.w.print("br_table")
	for _, slot := range table {
		ri.w.printf(" %d", slot)
	}
	ri.w.print(" 0\n")
	ri.w.print("end\n")

	// The first block does nothing and breaks out of the switch.
	ri.w.printf("br %d\n", len(labelIDs))
	ri.w.print("end\n")

	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockSwitch, depth: uint32(len(labelIDs))})
}

func (ri *renderInterface) RenderCaseOnLabel(labelID int) {
	if len(ri.blockTypes) == 0 {
		ri.w.setErr(fmt.Errorf("internal error: case outside a switch"))
		return
	}
	prev := ri.blockTypes[len(ri.blockTypes)-1]
	if prev.kind != blockSwitch && prev.kind != blockCase {
		ri.w.setErr(fmt.Errorf("internal error: case outside a switch"))
		return
	}
	if ri.findSwitchBlockType().depth == 0 {
		ri.w.setErr(fmt.Errorf("internal error: case with no remaining switch capacity"))
		return
	}
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockCase})
}

// RenderSwitchBlockBegin builds a br_table over the switch terminator. Table
// slots hold the destination's position among the non-default structurer
// edges; unset slots fall to the default arm.
func (ri *renderInterface) RenderSwitchBlockBegin(sw *ssa.Instr, edges []relooper.SwitchEdge) {
	if len(sw.Cases) == 0 {
		ri.w.setErr(fmt.Errorf("internal error: switch with no cases"))
		return
	}

	min, max := sw.Cases[0].Val, sw.Cases[0].Val
	for _, c := range sw.Cases {
		if c.Val < min {
			min = c.Val
		}
		if c.Val > max {
			max = c.Val
		}
	}

	table := make([]int32, max-min+1)
	for i := range table {
		table[i] = -1
	}

	caseBlocks := 0
	seen := make(map[*ssa.BasicBlock]bool)
	for _, c := range sw.Cases {
		if seen[c.Dest] {
			continue
		}
		seen[c.Dest] = true
		idx, err := findBlockInEdges(c.Dest, edges)
		if err != nil {
			ri.w.setErr(err)
			return
		}
		for _, cc := range sw.Cases {
			if cc.Dest == c.Dest {
				table[cc.Val-min] = int32(idx)
			}
		}
		caseBlocks++
	}
	for i := range table {
		if table[i] == -1 {
			table[i] = int32(caseBlocks)
		}
	}

	for i := 0; i < caseBlocks+1; i++ {
		ri.w.print("block\n")
	}

	// Wrap the br_table instruction in its own block.
	ri.w.print("block\n")
	ri.w.compileOperand(sw.Ops[0])
	if min != 0 {
		ri.w.printf("\ni32.const %d", min)
		ri.w.print("\ni32.sub")
	}
	ri.w.print("\nbr_table")
	for _, slot := range table {
		ri.w.printf(" %d", slot)
	}
	ri.w.printf(" %d\n", caseBlocks)
	ri.w.print("end\n")

	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockSwitch, depth: uint32(caseBlocks) + 1})
}

// findBlockInEdges returns dest's position among the non-default edges.
func findBlockInEdges(dest *ssa.BasicBlock, edges []relooper.SwitchEdge) (int, error) {
	i := 0
	for _, e := range edges {
		if e.IsDefault {
			// The default arm is rendered last by the structurer and does
			// not occupy a case slot.
			continue
		}
		if e.Dest == dest {
			return i, nil
		}
		i++
	}
	return 0, fmt.Errorf("internal error: switch destination %q not found in structurer edges", dest.Name)
}

func (ri *renderInterface) RenderCaseBlockBegin(b *ssa.BasicBlock, branchID int) {
	if len(ri.blockTypes) == 0 {
		ri.w.setErr(fmt.Errorf("internal error: case outside a switch"))
		return
	}
	prev := ri.blockTypes[len(ri.blockTypes)-1]
	if prev.kind != blockSwitch && prev.kind != blockCase {
		ri.w.setErr(fmt.Errorf("internal error: case outside a switch"))
		return
	}
	if ri.findSwitchBlockType().depth == 0 {
		ri.w.setErr(fmt.Errorf("internal error: case with no remaining switch capacity"))
		return
	}
	ri.blockTypes = append(ri.blockTypes, blockType{kind: blockCase})
}

func (ri *renderInterface) RenderDefaultBlockBegin() {
	ri.RenderCaseBlockBegin(nil, 0)
}
