package vm

// The optimizer rewrites one extracted region at a time. It decodes the word
// stream into instructions first, so every pass sees opcode boundaries
// instead of raw words, then re-encodes and records where each surviving
// original PC landed. Jump operands keep their original absolute targets;
// the executor translates them through the PC map and treats unmapped
// targets as region exits.

type instr struct {
	op   Opcode
	args []int32
	// orig is the absolute address this instruction came from, or -1 for
	// instructions synthesized by a pass.
	orig int
}

func decodeRegion(code []int32, start, end int) []instr {
	var out []instr
	for pc := start; pc < end; {
		op := Opcode(code[pc])
		n := op.Info().Operands
		if pc+1+n > end {
			// Truncated trailing instruction; keep what fits.
			n = end - pc - 1
		}
		args := make([]int32, n)
		copy(args, code[pc+1:pc+1+n])
		out = append(out, instr{op: op, args: args, orig: pc})
		pc += 1 + n
	}
	return out
}

func encodeRegion(instrs []instr) ([]int32, map[int32]int32) {
	pcMap := make(map[int32]int32, len(instrs))
	var out []int32
	for _, in := range instrs {
		if in.orig >= 0 {
			if _, seen := pcMap[int32(in.orig)]; !seen {
				pcMap[int32(in.orig)] = int32(len(out))
			}
		}
		out = append(out, int32(in.op))
		out = append(out, in.args...)
	}
	return out, pcMap
}

// optimizeRegion extracts [start,end) and applies the passes for the level.
func optimizeRegion(code []int32, start, end int, level OptLevel) ([]int32, map[int32]int32) {
	instrs := decodeRegion(code, start, end)
	switch level {
	case O1:
		instrs = passFoldAndEliminate(instrs)
	case O2:
		instrs = passFoldAndEliminate(instrs)
		instrs = passUnrollLoop(instrs, start, end)
		instrs = passCacheLoads(instrs)
	case O3:
		instrs = passFoldAndEliminate(instrs)
		instrs = passUnrollLoop(instrs, start, end)
		instrs = passCacheLoads(instrs)
		instrs = passFuse(instrs)
	}
	return encodeRegion(instrs)
}

// ---------------------------------------------------------------------------
// O1: constant folding and dead code elimination

func iconstValue(op Opcode) (int32, bool) {
	if op >= OpIconstM1 && op <= OpIconst5 {
		if op == OpIconstM1 {
			return -1, true
		}
		return int32(op - OpIconst0), true
	}
	return 0, false
}

func iconstFor(v int32) (Opcode, bool) {
	if v >= -1 && v <= 5 {
		if v == -1 {
			return OpIconstM1, true
		}
		return OpIconst0 + Opcode(v), true
	}
	return 0, false
}

// isConstantPush reports whether op pushes exactly one constant value with no
// other effect, so a following POP cancels it completely. PUSH_STRING is
// excluded: it interns into the heap.
func isConstantPush(op Opcode) bool {
	if _, ok := iconstValue(op); ok {
		return true
	}
	switch op {
	case OpPushNull, OpPushTrue, OpPushFalse,
		OpPushInt, OpPushLong, OpPushFloat, OpPushDouble:
		return true
	}
	return false
}

// passFoldAndEliminate folds PUSH_INT a; PUSH_INT b; <int arith> into a
// single constant push, drops NOPs, and cancels any constant push that feeds
// straight into a POP. Division and modulo by a zero constant are left alone
// for the interpreter to report.
func passFoldAndEliminate(instrs []instr) []instr {
	var out []instr
	for i := 0; i < len(instrs); i++ {
		in := instrs[i]

		if in.op == OpPushInt && i+2 < len(instrs) &&
			instrs[i+1].op == OpPushInt {
			a, b := in.args[0], instrs[i+1].args[0]
			folded, ok := foldIntArith(instrs[i+2].op, a, b)
			if ok {
				fi := instr{orig: in.orig}
				if op, compact := iconstFor(folded); compact {
					fi.op = op
				} else {
					fi.op = OpPushInt
					fi.args = []int32{folded}
				}
				out = append(out, fi)
				i += 2
				continue
			}
		}

		if in.op == OpNop {
			continue
		}

		if in.op == OpPop && len(out) > 0 && isConstantPush(out[len(out)-1].op) {
			out = out[:len(out)-1]
			continue
		}

		out = append(out, in)
	}
	return out
}

func foldIntArith(op Opcode, a, b int32) (int32, bool) {
	switch op {
	case OpIadd:
		return a + b, true
	case OpIsub:
		return a - b, true
	case OpImul:
		return a * b, true
	case OpIdiv:
		if b != 0 {
			return a / b, true
		}
	case OpImod:
		if b != 0 {
			return a % b, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// O2: loop unrolling and redundant load caching

// regionSelfContained verifies the unrolling invariant: apart from the final
// back edge jumping to start, every jump in the body must target either a
// body instruction start or the region end (the loop exit). Anything else -
// jumps into operand words, side exits to arbitrary addresses, nested back
// edges - disqualifies the region.
func regionSelfContained(instrs []instr, start, end int) bool {
	if len(instrs) == 0 {
		return false
	}
	last := instrs[len(instrs)-1]
	if last.op != OpJmp || len(last.args) != 1 || int(last.args[0]) != start {
		return false
	}
	starts := make(map[int]bool, len(instrs))
	for _, in := range instrs {
		if in.orig >= 0 {
			starts[in.orig] = true
		}
	}
	for _, in := range instrs[:len(instrs)-1] {
		if !in.op.IsJump() {
			continue
		}
		if in.op == OpJmp {
			return false // only the back edge may jump unconditionally
		}
		target := int(in.args[len(in.args)-1])
		if target != end && !starts[target] {
			return false
		}
	}
	return true
}

// passUnrollLoop duplicates the body of a small self-contained loop once, so
// two iterations run per back edge. The loop condition sits inside the body,
// so each copy still checks it; the duplicated copy gets no PC mapping,
// keeping entry points unique.
func passUnrollLoop(instrs []instr, start, end int) []instr {
	bodyWords := 0
	for _, in := range instrs {
		bodyWords += 1 + len(in.args)
	}
	bodyWords -= 2 // back-edge JMP and its target word
	if bodyWords <= 0 || bodyWords >= 20 || !regionSelfContained(instrs, start, end) {
		return instrs
	}

	body := instrs[:len(instrs)-1]
	back := instrs[len(instrs)-1]

	out := make([]instr, 0, len(body)*2+1)
	out = append(out, body...)
	for _, in := range body {
		dup := instr{op: in.op, args: in.args, orig: -1}
		out = append(out, dup)
	}
	out = append(out, back)
	return out
}

// passCacheLoads rewrites LOAD x; LOAD x into LOAD x; DUP for global and
// local loads.
func passCacheLoads(instrs []instr) []instr {
	var out []instr
	for i := 0; i < len(instrs); i++ {
		in := instrs[i]
		out = append(out, in)
		if (in.op == OpLoadGlobal || in.op == OpIload) && i+1 < len(instrs) {
			next := instrs[i+1]
			if next.op == in.op && len(next.args) == 1 && next.args[0] == in.args[0] {
				// No PC mapping: a jump landing on the second load must see
				// the original sequence, not a bare DUP.
				out = append(out, instr{op: OpDup, orig: -1})
				i++
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// O3: superinstruction fusion

// passFuse recognizes the four fusion patterns over global slots. Fused
// instructions behave exactly like the sequences they replace; the
// SUPER_LOAD_CMP_JZ target stays an original absolute address.
func passFuse(instrs []instr) []instr {
	var out []instr
	for i := 0; i < len(instrs); i++ {
		in := instrs[i]

		if in.op == OpLoadGlobal && i+2 < len(instrs) &&
			instrs[i+1].op == OpLoadGlobal {
			switch instrs[i+2].op {
			case OpIadd:
				out = append(out, instr{
					op:   SuperLoadLoadAdd,
					args: []int32{in.args[0], instrs[i+1].args[0]},
					orig: in.orig,
				})
				i += 2
				continue
			case OpImul:
				out = append(out, instr{
					op:   SuperLoadLoadMul,
					args: []int32{in.args[0], instrs[i+1].args[0]},
					orig: in.orig,
				})
				i += 2
				continue
			}
		}

		if in.op == OpPushInt && i+1 < len(instrs) &&
			instrs[i+1].op == OpStoreGlobal {
			out = append(out, instr{
				op:   SuperPushStore,
				args: []int32{in.args[0], instrs[i+1].args[0]},
				orig: in.orig,
			})
			i++
			continue
		}

		if in.op == OpLoadGlobal && i+3 < len(instrs) &&
			instrs[i+1].op == OpPushInt &&
			isFusableCompare(instrs[i+2].op) &&
			instrs[i+3].op == OpJz {
			out = append(out, instr{
				op: SuperLoadCmpJz,
				args: []int32{
					in.args[0],
					instrs[i+1].args[0],
					int32(instrs[i+2].op),
					instrs[i+3].args[0],
				},
				orig: in.orig,
			})
			i += 3
			continue
		}

		out = append(out, in)
	}
	return out
}

func isFusableCompare(op Opcode) bool {
	switch op {
	case OpIlt, OpIgt, OpIle, OpIge:
		return true
	}
	return false
}
