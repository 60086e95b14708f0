package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
)

// Opcode is one word of the instruction stream. Programs are flat
// little-endian int32 sequences; an instruction is an opcode word followed by
// zero, one or two operand words.
type Opcode int32

// Opcode values are part of the .kvb wire format and must not be renumbered.
const (
	// Constants and stack (0x00 - 0x1F)
	OpNop        Opcode = 0x00
	OpHalt       Opcode = 0x01
	OpPushNull   Opcode = 0x02
	OpPushTrue   Opcode = 0x03
	OpPushFalse  Opcode = 0x04
	OpPushInt    Opcode = 0x05
	OpPushLong   Opcode = 0x06
	OpPushFloat  Opcode = 0x07
	OpPushDouble Opcode = 0x08
	OpPushString Opcode = 0x09
	OpPushClass  Opcode = 0x0A

	OpIconstM1 Opcode = 0x0B
	OpIconst0  Opcode = 0x0C
	OpIconst1  Opcode = 0x0D
	OpIconst2  Opcode = 0x0E
	OpIconst3  Opcode = 0x0F
	OpIconst4  Opcode = 0x10
	OpIconst5  Opcode = 0x11

	OpPop   Opcode = 0x12
	OpPop2  Opcode = 0x13
	OpDup   Opcode = 0x14
	OpDup2  Opcode = 0x15
	OpDupX1 Opcode = 0x16
	OpDupX2 Opcode = 0x17
	OpSwap  Opcode = 0x18
	OpNot   Opcode = 0x19

	// Integer arithmetic (0x20 - 0x3F)
	OpIadd Opcode = 0x20
	OpIsub Opcode = 0x21
	OpImul Opcode = 0x22
	OpIdiv Opcode = 0x23
	OpImod Opcode = 0x24
	OpIneg Opcode = 0x25
	OpIinc Opcode = 0x26

	OpLadd Opcode = 0x27
	OpLsub Opcode = 0x28
	OpLmul Opcode = 0x29
	OpLdiv Opcode = 0x2A
	OpLmod Opcode = 0x2B
	OpLneg Opcode = 0x2C

	OpFadd Opcode = 0x2D
	OpFsub Opcode = 0x2E
	OpFmul Opcode = 0x2F
	OpFdiv Opcode = 0x30
	OpFmod Opcode = 0x31
	OpFneg Opcode = 0x32

	OpDadd Opcode = 0x33
	OpDsub Opcode = 0x34
	OpDmul Opcode = 0x35
	OpDdiv Opcode = 0x36
	OpDmod Opcode = 0x37
	OpDneg Opcode = 0x38

	// Bitwise (0x40 - 0x4F)
	OpIand  Opcode = 0x40
	OpIor   Opcode = 0x41
	OpIxor  Opcode = 0x42
	OpIshl  Opcode = 0x43
	OpIshr  Opcode = 0x44
	OpIushr Opcode = 0x45
	OpLand  Opcode = 0x46
	OpLor   Opcode = 0x47
	OpLxor  Opcode = 0x48
	OpLshl  Opcode = 0x49
	OpLshr  Opcode = 0x4A
	OpLushr Opcode = 0x4B

	// Comparison (0x50 - 0x5F)
	OpIcmp  Opcode = 0x50
	OpLcmp  Opcode = 0x51
	OpFcmpl Opcode = 0x52
	OpFcmpg Opcode = 0x53
	OpDcmpl Opcode = 0x54
	OpDcmpg Opcode = 0x55

	OpIeq Opcode = 0x56
	OpIne Opcode = 0x57
	OpIlt Opcode = 0x58
	OpIge Opcode = 0x59
	OpIgt Opcode = 0x5A
	OpIle Opcode = 0x5B

	OpAcmpeq Opcode = 0x5C
	OpAcmpne Opcode = 0x5D
	OpAnull  Opcode = 0x5E
	OpAnnull Opcode = 0x5F

	// Conversions (0x60 - 0x6F)
	OpI2l Opcode = 0x60
	OpI2f Opcode = 0x61
	OpI2d Opcode = 0x62
	OpL2i Opcode = 0x63
	OpL2f Opcode = 0x64
	OpL2d Opcode = 0x65
	OpF2i Opcode = 0x66
	OpF2l Opcode = 0x67
	OpF2d Opcode = 0x68
	OpD2i Opcode = 0x69
	OpD2l Opcode = 0x6A
	OpD2f Opcode = 0x6B
	OpI2b Opcode = 0x6C
	OpI2c Opcode = 0x6D
	OpI2s Opcode = 0x6E

	// Locals (0x70 - 0x8F)
	OpIload Opcode = 0x70
	OpLload Opcode = 0x71
	OpFload Opcode = 0x72
	OpDload Opcode = 0x73
	OpAload Opcode = 0x74

	OpIload0 Opcode = 0x75
	OpIload1 Opcode = 0x76
	OpIload2 Opcode = 0x77
	OpIload3 Opcode = 0x78
	OpAload0 Opcode = 0x79
	OpAload1 Opcode = 0x7A
	OpAload2 Opcode = 0x7B
	OpAload3 Opcode = 0x7C

	OpIstore Opcode = 0x80
	OpLstore Opcode = 0x81
	OpFstore Opcode = 0x82
	OpDstore Opcode = 0x83
	OpAstore Opcode = 0x84

	OpIstore0 Opcode = 0x85
	OpIstore1 Opcode = 0x86
	OpIstore2 Opcode = 0x87
	OpIstore3 Opcode = 0x88
	OpAstore0 Opcode = 0x89
	OpAstore1 Opcode = 0x8A
	OpAstore2 Opcode = 0x8B
	OpAstore3 Opcode = 0x8C

	// Fields and globals (0x90 - 0x9F)
	OpGetfield    Opcode = 0x90
	OpPutfield    Opcode = 0x91
	OpGetstatic   Opcode = 0x92
	OpPutstatic   Opcode = 0x93
	OpLoadGlobal  Opcode = 0x94
	OpStoreGlobal Opcode = 0x95

	// Arrays (0xA0 - 0xBF)
	OpNewarray    Opcode = 0xA0
	OpAnewarray   Opcode = 0xA1
	OpMultianew   Opcode = 0xA2
	OpArraylength Opcode = 0xA3

	OpIaload Opcode = 0xA4
	OpLaload Opcode = 0xA5
	OpFaload Opcode = 0xA6
	OpDaload Opcode = 0xA7
	OpAaload Opcode = 0xA8
	OpBaload Opcode = 0xA9
	OpCaload Opcode = 0xAA
	OpSaload Opcode = 0xAB

	OpIastore Opcode = 0xAC
	OpLastore Opcode = 0xAD
	OpFastore Opcode = 0xAE
	OpDastore Opcode = 0xAF
	OpAastore Opcode = 0xB0
	OpBastore Opcode = 0xB1
	OpCastore Opcode = 0xB2
	OpSastore Opcode = 0xB3

	// Control flow (0xC0 - 0xCF); jump operands are absolute word addresses
	OpJmp Opcode = 0xC0
	OpJz  Opcode = 0xC1
	OpJnz Opcode = 0xC2

	OpIfeq Opcode = 0xC3
	OpIfne Opcode = 0xC4
	OpIflt Opcode = 0xC5
	OpIfge Opcode = 0xC6
	OpIfgt Opcode = 0xC7
	OpIfle Opcode = 0xC8

	OpIfIcmpeq Opcode = 0xC9
	OpIfIcmpne Opcode = 0xCA
	OpIfIcmplt Opcode = 0xCB
	OpIfIcmpge Opcode = 0xCC
	OpIfIcmpgt Opcode = 0xCD
	OpIfIcmple Opcode = 0xCE

	OpTableswitch  Opcode = 0xCF
	OpLookupswitch Opcode = 0xD0

	// Calls and returns (0xD1 - 0xDF)
	OpCall       Opcode = 0xD1
	OpInvoke     Opcode = 0xD2
	OpInvokespec Opcode = 0xD3
	OpInvokeintf Opcode = 0xD4
	OpInvokedyn  Opcode = 0xD5
	OpRet        Opcode = 0xD6
	OpIret       Opcode = 0xD7
	OpLret       Opcode = 0xD8
	OpFret       Opcode = 0xD9
	OpDret       Opcode = 0xDA
	OpAret       Opcode = 0xDB

	// Objects (0xE0 - 0xEF)
	OpNew        Opcode = 0xE0
	OpInstanceof Opcode = 0xE1
	OpCheckcast  Opcode = 0xE2
	OpAthrow     Opcode = 0xE3

	// Synchronization and exceptions (0xF0 - 0xF7)
	OpMonitorenter Opcode = 0xF0
	OpMonitorexit  Opcode = 0xF1
	OpTryBegin     Opcode = 0xF4
	OpTryEnd       Opcode = 0xF5
	OpCatch        Opcode = 0xF6
	OpFinally      Opcode = 0xF7

	// I/O and natives (0xF8 - 0xFB)
	OpPrint      Opcode = 0xF8
	OpPrintln    Opcode = 0xF9
	OpNative     Opcode = 0xFA
	OpBreakpoint Opcode = 0xFB

	// Graphics extension (0xFC - 0xFF); handled by an external collaborator
	OpGfxInit  Opcode = 0xFC
	OpGfxClear Opcode = 0xFD
	OpGfxDraw  Opcode = 0xFE
	OpGfxEvent Opcode = 0xFF

	// Lambdas (0x100+)
	OpLambdaNew    Opcode = 0x100
	OpLambdaCall   Opcode = 0x101
	OpCaptureLocal Opcode = 0x102
	OpCaptureLoad  Opcode = 0x103

	// Streams (0x110+)
	OpStreamNew      Opcode = 0x110
	OpStreamFilter   Opcode = 0x111
	OpStreamMap      Opcode = 0x112
	OpStreamReduce   Opcode = 0x113
	OpStreamForeach  Opcode = 0x114
	OpStreamCollect  Opcode = 0x115
	OpStreamCount    Opcode = 0x116
	OpStreamSum      Opcode = 0x117
	OpStreamSort     Opcode = 0x118
	OpStreamDistinct Opcode = 0x119
	OpStreamLimit    Opcode = 0x11A
	OpStreamSkip     Opcode = 0x11B
	OpStreamTolist   Opcode = 0x11C
	OpStreamMin      Opcode = 0x11D
	OpStreamMax      Opcode = 0x11E
	OpStreamFlatmap  Opcode = 0x11F
	OpStreamAnymatch Opcode = 0x120
	OpStreamAllmatch Opcode = 0x121

	// Async/await (0x130+)
	OpAsyncCall      Opcode = 0x130
	OpAwait          Opcode = 0x131
	OpPromiseNew     Opcode = 0x132
	OpPromiseResolve Opcode = 0x133
	OpPromiseReject  Opcode = 0x134
	OpYield          Opcode = 0x135
	OpEventLoopTick  Opcode = 0x136

	// Pipe operator (0x140)
	OpPipe Opcode = 0x140

	// JIT hints (0x150+)
	OpJitHotloop Opcode = 0x150
	OpJitHotfunc Opcode = 0x151
	OpJitDeopt   Opcode = 0x152
	OpJitOsr     Opcode = 0x153

	// Superinstructions emitted by the O3 fuser, never by a front end
	SuperLoadCmpJz   Opcode = 0x203
	SuperPushStore   Opcode = 0x205
	SuperLoadLoadAdd Opcode = 0x206
	SuperLoadLoadMul Opcode = 0x207
)

// Primitive array type codes carried by NEWARRAY.
const (
	TBoolean int32 = 4
	TChar    int32 = 5
	TFloat   int32 = 6
	TDouble  int32 = 7
	TByte    int32 = 8
	TShort   int32 = 9
	TInt     int32 = 10
	TLong    int32 = 11
)

// OpcodeInfo describes an opcode for dispatch, disassembly and the decoder
// used by the optimizer.
type OpcodeInfo struct {
	Name     string
	Operands int // trailing operand words
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:        {"NOP", 0},
	OpHalt:       {"HALT", 0},
	OpPushNull:   {"PUSH_NULL", 0},
	OpPushTrue:   {"PUSH_TRUE", 0},
	OpPushFalse:  {"PUSH_FALSE", 0},
	OpPushInt:    {"PUSH_INT", 1},
	OpPushLong:   {"PUSH_LONG", 2},
	OpPushFloat:  {"PUSH_FLOAT", 1},
	OpPushDouble: {"PUSH_DOUBLE", 2},
	OpPushString: {"PUSH_STRING", 1},
	OpPushClass:  {"PUSH_CLASS", 1},

	OpIconstM1: {"ICONST_M1", 0},
	OpIconst0:  {"ICONST_0", 0},
	OpIconst1:  {"ICONST_1", 0},
	OpIconst2:  {"ICONST_2", 0},
	OpIconst3:  {"ICONST_3", 0},
	OpIconst4:  {"ICONST_4", 0},
	OpIconst5:  {"ICONST_5", 0},

	OpPop:   {"POP", 0},
	OpPop2:  {"POP2", 0},
	OpDup:   {"DUP", 0},
	OpDup2:  {"DUP2", 0},
	OpDupX1: {"DUP_X1", 0},
	OpDupX2: {"DUP_X2", 0},
	OpSwap:  {"SWAP", 0},
	OpNot:   {"NOT", 0},

	OpIadd: {"IADD", 0},
	OpIsub: {"ISUB", 0},
	OpImul: {"IMUL", 0},
	OpIdiv: {"IDIV", 0},
	OpImod: {"IMOD", 0},
	OpIneg: {"INEG", 0},
	OpIinc: {"IINC", 2},

	OpLadd: {"LADD", 0},
	OpLsub: {"LSUB", 0},
	OpLmul: {"LMUL", 0},
	OpLdiv: {"LDIV", 0},
	OpLmod: {"LMOD", 0},
	OpLneg: {"LNEG", 0},

	OpFadd: {"FADD", 0},
	OpFsub: {"FSUB", 0},
	OpFmul: {"FMUL", 0},
	OpFdiv: {"FDIV", 0},
	OpFmod: {"FMOD", 0},
	OpFneg: {"FNEG", 0},

	OpDadd: {"DADD", 0},
	OpDsub: {"DSUB", 0},
	OpDmul: {"DMUL", 0},
	OpDdiv: {"DDIV", 0},
	OpDmod: {"DMOD", 0},
	OpDneg: {"DNEG", 0},

	OpIand:  {"IAND", 0},
	OpIor:   {"IOR", 0},
	OpIxor:  {"IXOR", 0},
	OpIshl:  {"ISHL", 0},
	OpIshr:  {"ISHR", 0},
	OpIushr: {"IUSHR", 0},
	OpLand:  {"LAND", 0},
	OpLor:   {"LOR", 0},
	OpLxor:  {"LXOR", 0},
	OpLshl:  {"LSHL", 0},
	OpLshr:  {"LSHR", 0},
	OpLushr: {"LUSHR", 0},

	OpIcmp:  {"ICMP", 0},
	OpLcmp:  {"LCMP", 0},
	OpFcmpl: {"FCMPL", 0},
	OpFcmpg: {"FCMPG", 0},
	OpDcmpl: {"DCMPL", 0},
	OpDcmpg: {"DCMPG", 0},

	OpIeq: {"IEQ", 0},
	OpIne: {"INE", 0},
	OpIlt: {"ILT", 0},
	OpIge: {"IGE", 0},
	OpIgt: {"IGT", 0},
	OpIle: {"ILE", 0},

	OpAcmpeq: {"ACMPEQ", 0},
	OpAcmpne: {"ACMPNE", 0},
	OpAnull:  {"ANULL", 0},
	OpAnnull: {"ANNULL", 0},

	OpI2l: {"I2L", 0},
	OpI2f: {"I2F", 0},
	OpI2d: {"I2D", 0},
	OpL2i: {"L2I", 0},
	OpL2f: {"L2F", 0},
	OpL2d: {"L2D", 0},
	OpF2i: {"F2I", 0},
	OpF2l: {"F2L", 0},
	OpF2d: {"F2D", 0},
	OpD2i: {"D2I", 0},
	OpD2l: {"D2L", 0},
	OpD2f: {"D2F", 0},
	OpI2b: {"I2B", 0},
	OpI2c: {"I2C", 0},
	OpI2s: {"I2S", 0},

	OpIload: {"ILOAD", 1},
	OpLload: {"LLOAD", 1},
	OpFload: {"FLOAD", 1},
	OpDload: {"DLOAD", 1},
	OpAload: {"ALOAD", 1},

	OpIload0: {"ILOAD_0", 0},
	OpIload1: {"ILOAD_1", 0},
	OpIload2: {"ILOAD_2", 0},
	OpIload3: {"ILOAD_3", 0},
	OpAload0: {"ALOAD_0", 0},
	OpAload1: {"ALOAD_1", 0},
	OpAload2: {"ALOAD_2", 0},
	OpAload3: {"ALOAD_3", 0},

	OpIstore: {"ISTORE", 1},
	OpLstore: {"LSTORE", 1},
	OpFstore: {"FSTORE", 1},
	OpDstore: {"DSTORE", 1},
	OpAstore: {"ASTORE", 1},

	OpIstore0: {"ISTORE_0", 0},
	OpIstore1: {"ISTORE_1", 0},
	OpIstore2: {"ISTORE_2", 0},
	OpIstore3: {"ISTORE_3", 0},
	OpAstore0: {"ASTORE_0", 0},
	OpAstore1: {"ASTORE_1", 0},
	OpAstore2: {"ASTORE_2", 0},
	OpAstore3: {"ASTORE_3", 0},

	OpGetfield:    {"GETFIELD", 1},
	OpPutfield:    {"PUTFIELD", 1},
	OpGetstatic:   {"GETSTATIC", 1},
	OpPutstatic:   {"PUTSTATIC", 1},
	OpLoadGlobal:  {"LOAD_GLOBAL", 1},
	OpStoreGlobal: {"STORE_GLOBAL", 1},

	OpNewarray:    {"NEWARRAY", 1},
	OpAnewarray:   {"ANEWARRAY", 1},
	OpMultianew:   {"MULTIANEW", 2},
	OpArraylength: {"ARRAYLENGTH", 0},

	OpIaload: {"IALOAD", 0},
	OpLaload: {"LALOAD", 0},
	OpFaload: {"FALOAD", 0},
	OpDaload: {"DALOAD", 0},
	OpAaload: {"AALOAD", 0},
	OpBaload: {"BALOAD", 0},
	OpCaload: {"CALOAD", 0},
	OpSaload: {"SALOAD", 0},

	OpIastore: {"IASTORE", 0},
	OpLastore: {"LASTORE", 0},
	OpFastore: {"FASTORE", 0},
	OpDastore: {"DASTORE", 0},
	OpAastore: {"AASTORE", 0},
	OpBastore: {"BASTORE", 0},
	OpCastore: {"CASTORE", 0},
	OpSastore: {"SASTORE", 0},

	OpJmp: {"JMP", 1},
	OpJz:  {"JZ", 1},
	OpJnz: {"JNZ", 1},

	OpIfeq: {"IFEQ", 1},
	OpIfne: {"IFNE", 1},
	OpIflt: {"IFLT", 1},
	OpIfge: {"IFGE", 1},
	OpIfgt: {"IFGT", 1},
	OpIfle: {"IFLE", 1},

	OpIfIcmpeq: {"IF_ICMPEQ", 1},
	OpIfIcmpne: {"IF_ICMPNE", 1},
	OpIfIcmplt: {"IF_ICMPLT", 1},
	OpIfIcmpge: {"IF_ICMPGE", 1},
	OpIfIcmpgt: {"IF_ICMPGT", 1},
	OpIfIcmple: {"IF_ICMPLE", 1},

	OpTableswitch:  {"TABLESWITCH", 0},
	OpLookupswitch: {"LOOKUPSWITCH", 0},

	OpCall:       {"CALL", 1},
	OpInvoke:     {"INVOKE", 1},
	OpInvokespec: {"INVOKESPEC", 1},
	OpInvokeintf: {"INVOKEINTF", 1},
	OpInvokedyn:  {"INVOKEDYN", 1},
	OpRet:        {"RET", 0},
	OpIret:       {"IRET", 0},
	OpLret:       {"LRET", 0},
	OpFret:       {"FRET", 0},
	OpDret:       {"DRET", 0},
	OpAret:       {"ARET", 0},

	OpNew:        {"NEW", 1},
	OpInstanceof: {"INSTANCEOF", 1},
	OpCheckcast:  {"CHECKCAST", 1},
	OpAthrow:     {"ATHROW", 0},

	OpMonitorenter: {"MONITORENTER", 0},
	OpMonitorexit:  {"MONITOREXIT", 0},
	OpTryBegin:     {"TRY_BEGIN", 1},
	OpTryEnd:       {"TRY_END", 0},
	OpCatch:        {"CATCH", 1},
	OpFinally:      {"FINALLY", 0},

	OpPrint:      {"PRINT", 0},
	OpPrintln:    {"PRINTLN", 0},
	OpNative:     {"NATIVE", 1},
	OpBreakpoint: {"BREAKPOINT", 0},

	OpGfxInit:  {"GFX_INIT", 0},
	OpGfxClear: {"GFX_CLEAR", 0},
	OpGfxDraw:  {"GFX_DRAW", 1},
	OpGfxEvent: {"GFX_EVENT", 0},

	OpLambdaNew:    {"LAMBDA_NEW", 2},
	OpLambdaCall:   {"LAMBDA_CALL", 1},
	OpCaptureLocal: {"CAPTURE_LOCAL", 1},
	OpCaptureLoad:  {"CAPTURE_LOAD", 1},

	OpStreamNew:      {"STREAM_NEW", 0},
	OpStreamFilter:   {"STREAM_FILTER", 0},
	OpStreamMap:      {"STREAM_MAP", 0},
	OpStreamReduce:   {"STREAM_REDUCE", 0},
	OpStreamForeach:  {"STREAM_FOREACH", 0},
	OpStreamCollect:  {"STREAM_COLLECT", 0},
	OpStreamCount:    {"STREAM_COUNT", 0},
	OpStreamSum:      {"STREAM_SUM", 0},
	OpStreamSort:     {"STREAM_SORT", 0},
	OpStreamDistinct: {"STREAM_DISTINCT", 0},
	OpStreamLimit:    {"STREAM_LIMIT", 0},
	OpStreamSkip:     {"STREAM_SKIP", 0},
	OpStreamTolist:   {"STREAM_TOLIST", 0},
	OpStreamMin:      {"STREAM_MIN", 0},
	OpStreamMax:      {"STREAM_MAX", 0},
	OpStreamFlatmap:  {"STREAM_FLATMAP", 0},
	OpStreamAnymatch: {"STREAM_ANYMATCH", 0},
	OpStreamAllmatch: {"STREAM_ALLMATCH", 0},

	OpAsyncCall:      {"ASYNC_CALL", 1},
	OpAwait:          {"AWAIT", 0},
	OpPromiseNew:     {"PROMISE_NEW", 0},
	OpPromiseResolve: {"PROMISE_RESOLVE", 0},
	OpPromiseReject:  {"PROMISE_REJECT", 0},
	OpYield:          {"YIELD", 0},
	OpEventLoopTick:  {"EVENT_LOOP_TICK", 0},

	OpPipe: {"PIPE", 0},

	OpJitHotloop: {"JIT_HOTLOOP", 1},
	OpJitHotfunc: {"JIT_HOTFUNC", 1},
	OpJitDeopt:   {"JIT_DEOPT", 0},
	OpJitOsr:     {"JIT_OSR", 0},

	SuperLoadCmpJz:   {"SUPER_LOAD_CMP_JZ", 4},
	SuperPushStore:   {"SUPER_PUSH_STORE", 2},
	SuperLoadLoadAdd: {"SUPER_LOAD_LOAD_ADD", 2},
	SuperLoadLoadMul: {"SUPER_LOAD_LOAD_MUL", 2},
}

// Info returns the metadata for op. Unknown opcodes get a synthetic entry so
// the disassembler stays total.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_0x%X", int32(op)), Operands: 0}
}

func (op Opcode) Name() string   { return op.Info().Name }
func (op Opcode) String() string { return op.Name() }

func (op Opcode) IsKnown() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsJump reports whether op consumes a jump-target operand. Targets are
// absolute word addresses; for superinstructions the target is the last
// operand word.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJmp, OpJz, OpJnz,
		OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle,
		OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple,
		SuperLoadCmpJz:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Wide operand encoding

// Int64 operands occupy two words, low word first.
func encodeInt64(v int64) (lo, hi int32) {
	return int32(uint32(v)), int32(v >> 32)
}

func decodeInt64(lo, hi int32) int64 {
	return int64(uint32(lo)) | int64(hi)<<32
}

func encodeFloat32(v float32) int32 {
	return int32(math.Float32bits(v))
}

func decodeFloat32(w int32) float32 {
	return math.Float32frombits(uint32(w))
}

func encodeFloat64(v float64) (lo, hi int32) {
	bits := math.Float64bits(v)
	return int32(uint32(bits)), int32(bits >> 32)
}

func decodeFloat64(lo, hi int32) float64 {
	bits := uint64(uint32(lo)) | uint64(uint32(hi))<<32
	return math.Float64frombits(bits)
}

// ---------------------------------------------------------------------------
// Program loading

// LoadProgram reads a .kvb file: a raw stream of little-endian int32 words
// with no container header.
func LoadProgram(path string) ([]int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bytecode file: %w", err)
	}
	return DecodeProgram(raw)
}

// DecodeProgram converts raw little-endian bytes into the word stream.
func DecodeProgram(raw []byte) ([]int32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("bytecode length %d is not word-aligned", len(raw))
	}
	code := make([]int32, len(raw)/4)
	for i := range code {
		code[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return code, nil
}

// EncodeProgram is the inverse of DecodeProgram.
func EncodeProgram(code []int32) []byte {
	raw := make([]byte, len(code)*4)
	for i, w := range code {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(w))
	}
	return raw
}

// ---------------------------------------------------------------------------
// Builder

// Label marks a forward jump target for the Builder.
type Label struct {
	pc      int
	bound   bool
	patchAt []int
}

// Builder assembles word streams, mainly for tests and tooling. Jump targets
// can be emitted before they are bound.
type Builder struct {
	code []int32
}

func NewBuilder() *Builder {
	return &Builder{code: make([]int32, 0, 64)}
}

// PC returns the address of the next word to be emitted.
func (b *Builder) PC() int { return len(b.code) }

func (b *Builder) Emit(op Opcode, operands ...int32) *Builder {
	b.code = append(b.code, int32(op))
	b.code = append(b.code, operands...)
	return b
}

func (b *Builder) EmitPushInt(v int32) *Builder {
	return b.Emit(OpPushInt, v)
}

func (b *Builder) EmitPushLong(v int64) *Builder {
	lo, hi := encodeInt64(v)
	return b.Emit(OpPushLong, lo, hi)
}

func (b *Builder) EmitPushFloat(v float32) *Builder {
	return b.Emit(OpPushFloat, encodeFloat32(v))
}

func (b *Builder) EmitPushDouble(v float64) *Builder {
	lo, hi := encodeFloat64(v)
	return b.Emit(OpPushDouble, lo, hi)
}

func (b *Builder) NewLabel() *Label {
	return &Label{}
}

// Mark binds lbl to the current address and patches earlier references.
func (b *Builder) Mark(lbl *Label) *Builder {
	lbl.pc = len(b.code)
	lbl.bound = true
	for _, at := range lbl.patchAt {
		b.code[at] = int32(lbl.pc)
	}
	lbl.patchAt = nil
	return b
}

// EmitJump emits a jump whose target word is patched when lbl is bound.
func (b *Builder) EmitJump(op Opcode, lbl *Label) *Builder {
	b.code = append(b.code, int32(op))
	if lbl.bound {
		b.code = append(b.code, int32(lbl.pc))
	} else {
		lbl.patchAt = append(lbl.patchAt, len(b.code))
		b.code = append(b.code, -1)
	}
	return b
}

// Build returns a copy of the assembled stream. Unbound label references
// remain -1 and fail fast in the interpreter.
func (b *Builder) Build() []int32 {
	out := make([]int32, len(b.code))
	copy(out, b.code)
	return out
}

// ---------------------------------------------------------------------------
// Disassembler

// DisassembleInstruction renders the instruction at pc and returns the
// address of the next instruction.
func DisassembleInstruction(code []int32, pc int) (string, int) {
	op := Opcode(code[pc])
	info := op.Info()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%6d: %s", pc, info.Name)
	next := pc + 1
	for i := 0; i < info.Operands && next < len(code); i++ {
		fmt.Fprintf(&sb, " %d", code[next])
		next++
	}
	return sb.String(), next
}

// Disassemble renders a whole word stream, one instruction per line.
func Disassemble(code []int32) string {
	var sb strings.Builder
	for pc := 0; pc < len(code); {
		line, next := DisassembleInstruction(code, pc)
		sb.WriteString(line)
		sb.WriteByte('\n')
		pc = next
	}
	return sb.String()
}
