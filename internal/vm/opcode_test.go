package vm

import (
	"errors"
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

func newTestVM(t *testing.T, program []byte, quirks Quirks) *VM {
	t.Helper()

	vm, err := New(program, quirks)
	assert.NoError(t, err)
	return vm
}

// runOp writes opcode at the current pc and executes one cycle.
func runOp(t *testing.T, vm *VM, opcode uint16) StepResult {
	t.Helper()

	vm.memory[vm.pc] = uint8(opcode >> 8)
	vm.memory[vm.pc+1] = uint8(opcode)

	res, err := vm.Step()
	assert.NoError(t, err)
	return res
}

func TestDecodeNames(t *testing.T) {
	tests := []struct {
		opcode uint16
		name   string
	}{
		{0x00E0, "cls"},
		{0x00EE, "rts"},
		{0x1234, "jmp 0x0234"},
		{0x2345, "jsr 0x0345"},
		{0x3A42, "skeq va, 66"},
		{0x4A42, "skne va, 66"},
		{0x5AB0, "skeq va, vb"},
		{0x6A42, "mov va, 66"},
		{0x7A42, "add va, 66"},
		{0x8AB0, "mov va, vb"},
		{0x8AB1, "or va, vb"},
		{0x8AB2, "and va, vb"},
		{0x8AB3, "xor va, vb"},
		{0x8AB4, "add va, vb"},
		{0x8AB5, "sub va, vb"},
		{0x8AB6, "shr va"},
		{0x8AB7, "rsb va, vb"},
		{0x8ABE, "shl va"},
		{0x9AB0, "skne va, vb"},
		{0xA123, "mvi 0x0123"},
		{0xB123, "jmi 0x0123"},
		{0xCA42, "rand va, 66"},
		{0xDAB5, "sprite va, vb, 5"},
		{0xEA9E, "skpr va"},
		{0xEAA1, "skup va"},
		{0xFA07, "gdelay va"},
		{0xFA0A, "key va"},
		{0xFA15, "sdelay va"},
		{0xFA18, "ssound va"},
		{0xFA1E, "adi va"},
		{0xFA29, "font va"},
		{0xFA33, "bcd va"},
		{0xFA55, "str v0-va"},
		{0xFA65, "ldr v0-va"},
		{0x0000, "unknown 0x0000"},
		{0x5AB1, "unknown 0x5AB1"},
		{0x8AB8, "unknown 0x8AB8"},
		{0x9AB3, "unknown 0x9AB3"},
		{0xEAFF, "unknown 0xEAFF"},
		{0xFAFF, "unknown 0xFAFF"},
	}

	for _, tt := range tests {
		instr := decode(tt.opcode)
		assert.Equal(t, tt.name, instr.Name(tt.opcode))
	}
}

func TestClearScreen(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	for i := range vm.gfx {
		vm.gfx[i] = 1
	}
	vm.ClearDrawFlag()

	res := runOp(t, vm, 0x00E0)

	assert.True(t, res.Redraw)
	for i := range vm.gfx {
		assert.Equal(t, uint8(0), vm.gfx[i])
	}
	assert.Equal(t, ProgramStart+2, vm.pc)
}

func TestJump(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})

	runOp(t, vm, 0x1456)

	assert.Equal(t, uint16(0x456), vm.pc)
}

func TestCallReturn(t *testing.T) {
	// jsr 0x206 / rts: pc must land on the instruction after the call.
	vm := newTestVM(t, []byte{0x22, 0x06}, Quirks{})

	_, err := vm.Step()
	assert.NoError(t, err)
	assert.Equal(t, uint16(0x206), vm.pc)
	assert.Equal(t, uint16(1), vm.sp)
	assert.Equal(t, uint16(0x202), vm.stack[0])

	runOp(t, vm, 0x00EE)

	assert.Equal(t, uint16(0x202), vm.pc)
	assert.Equal(t, uint16(0), vm.sp)
}

func TestStackOverflow(t *testing.T) {
	// jsr 0x200 at 0x200 calls itself forever; the 17th call must fault.
	vm := newTestVM(t, []byte{0x22, 0x00}, Quirks{})

	for i := 0; i < StackSize; i++ {
		_, err := vm.Step()
		assert.NoError(t, err)
	}
	assert.Equal(t, uint16(StackSize), vm.sp)

	_, err := vm.Step()

	var fatal *FatalError
	assert.True(t, errors.As(err, &fatal))
	assert.Equal(t, "stack overflow", fatal.Reason)
	assert.Equal(t, uint16(0x200), fatal.PC)
	assert.Equal(t, uint16(0x2200), fatal.Opcode)
}

func TestStackUnderflow(t *testing.T) {
	vm := newTestVM(t, []byte{0x00, 0xEE}, Quirks{})

	_, err := vm.Step()

	var fatal *FatalError
	assert.True(t, errors.As(err, &fatal))
	assert.Equal(t, "stack underflow", fatal.Reason)
	assert.Equal(t, uint16(0x200), fatal.PC)
	assert.Equal(t, uint16(0x00EE), fatal.Opcode)
}

func TestUnknownInstruction(t *testing.T) {
	vm := newTestVM(t, []byte{0xFF, 0xFF}, Quirks{})

	_, err := vm.Step()

	var fatal *FatalError
	assert.True(t, errors.As(err, &fatal))
	assert.Equal(t, "unknown instruction", fatal.Reason)
	assert.Equal(t, uint16(0x200), fatal.PC)
	assert.Equal(t, uint16(0xFFFF), fatal.Opcode)
}

func TestSkipInstructions(t *testing.T) {
	tests := []struct {
		name    string
		opcode  uint16
		v1      uint8
		v2      uint8
		skipped bool
	}{
		{"skeq imm taken", 0x3142, 0x42, 0, true},
		{"skeq imm not taken", 0x3142, 0x41, 0, false},
		{"skne imm taken", 0x4142, 0x41, 0, true},
		{"skne imm not taken", 0x4142, 0x42, 0, false},
		{"skeq reg taken", 0x5120, 7, 7, true},
		{"skeq reg not taken", 0x5120, 7, 8, false},
		{"skne reg taken", 0x9120, 7, 8, true},
		{"skne reg not taken", 0x9120, 7, 7, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, nil, Quirks{})
			vm.registers[1] = tt.v1
			vm.registers[2] = tt.v2

			runOp(t, vm, tt.opcode)

			expected := ProgramStart + 2
			if tt.skipped {
				expected = ProgramStart + 4
			}
			assert.Equal(t, expected, vm.pc)
		})
	}
}

func TestRegisterOps(t *testing.T) {
	tests := []struct {
		name     string
		opcode   uint16
		v1       uint8
		v2       uint8
		expected uint8
		flag     uint8
		hasFlag  bool
	}{
		{"mov imm", 0x6142, 0, 0, 0x42, 0, false},
		{"add imm", 0x7110, 0x20, 0, 0x30, 0, false},
		{"add imm wraps without flag", 0x7101, 0xFF, 0, 0x00, 0, false},
		{"mov reg", 0x8120, 0, 0x42, 0x42, 0, false},
		{"or", 0x8121, 0xF0, 0x0F, 0xFF, 0, false},
		{"and", 0x8122, 0xF0, 0x1F, 0x10, 0, false},
		{"xor", 0x8123, 0xFF, 0x0F, 0xF0, 0, false},
		{"add no carry", 0x8124, 200, 55, 255, 0, true},
		{"add carry", 0x8124, 200, 56, 0, 1, true},
		{"sub no borrow", 0x8125, 10, 3, 7, 1, true},
		{"sub equal no borrow", 0x8125, 10, 10, 0, 1, true},
		{"sub borrow", 0x8125, 5, 10, 251, 0, true},
		{"shr", 0x8126, 0x81, 0, 0x40, 1, true},
		{"shr even", 0x8126, 0x40, 0, 0x20, 0, true},
		{"rsb no borrow", 0x8127, 3, 10, 7, 1, true},
		{"rsb equal no borrow", 0x8127, 10, 10, 0, 1, true},
		{"rsb borrow", 0x8127, 10, 5, 251, 0, true},
		{"shl", 0x812E, 0x81, 0, 0x02, 1, true},
		{"shl low", 0x812E, 0x41, 0, 0x82, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, nil, Quirks{})
			vm.registers[1] = tt.v1
			vm.registers[2] = tt.v2
			vm.registers[FlagRegister] = 0xAA // sentinel, must survive flag-free ops

			runOp(t, vm, tt.opcode)

			assert.Equal(t, tt.expected, vm.registers[1])
			if tt.hasFlag {
				assert.Equal(t, tt.flag, vm.registers[FlagRegister])
			} else {
				assert.Equal(t, uint8(0xAA), vm.registers[FlagRegister])
			}
			assert.Equal(t, ProgramStart+2, vm.pc)
		})
	}
}

func TestIndexRegister(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})

	runOp(t, vm, 0xA123)

	assert.Equal(t, uint16(0x123), vm.index)
	assert.Equal(t, ProgramStart+2, vm.pc)
}

func TestJumpPlusV0(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.registers[0] = 4

	runOp(t, vm, 0xB300)

	assert.Equal(t, uint16(0x304), vm.pc)
}

func TestRandomMasked(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.randGen = func() uint8 { return 0xAB }

	runOp(t, vm, 0xC13F)

	assert.Equal(t, uint8(0xAB&0x3F), vm.registers[1])
}

func TestSpriteDrawXORSelfInverse(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.memory[0x300] = 0xFF
	vm.memory[0x301] = 0x81
	vm.index = 0x300
	vm.registers[1] = 3
	vm.registers[2] = 5
	vm.ClearDrawFlag()

	// First pass paints onto an empty buffer, no collision.
	res := runOp(t, vm, 0xD122)
	assert.True(t, res.Redraw)
	assert.Equal(t, uint8(0), vm.registers[FlagRegister])
	assert.Equal(t, uint8(1), vm.gfx[5*ScreenWidth+3])
	assert.Equal(t, uint8(1), vm.gfx[6*ScreenWidth+3])
	assert.Equal(t, uint8(0), vm.gfx[6*ScreenWidth+4])

	// Second pass erases every pixel it painted: full collision, buffer
	// restored to all zeros.
	res = runOp(t, vm, 0xD122)
	assert.True(t, res.Redraw)
	assert.Equal(t, uint8(1), vm.registers[FlagRegister])
	for i := range vm.gfx {
		assert.Equal(t, uint8(0), vm.gfx[i])
	}
}

func TestSpriteDrawWraps(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.memory[0x300] = 0xFF
	vm.index = 0x300
	vm.registers[1] = 62
	vm.registers[2] = 31

	runOp(t, vm, 0xD121)

	// Row 31, columns 62..63 then wrapping to 0..5.
	assert.Equal(t, uint8(1), vm.gfx[31*ScreenWidth+62])
	assert.Equal(t, uint8(1), vm.gfx[31*ScreenWidth+63])
	for x := 0; x < 6; x++ {
		assert.Equal(t, uint8(1), vm.gfx[31*ScreenWidth+x])
	}
}

func TestKeySkips(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.registers[1] = 0x5
	vm.KeyDown(Key5)

	runOp(t, vm, 0xE19E)
	assert.Equal(t, ProgramStart+4, vm.pc)

	vm.KeyUp(Key5)
	runOp(t, vm, 0xE19E)
	assert.Equal(t, ProgramStart+6, vm.pc)

	runOp(t, vm, 0xE1A1)
	assert.Equal(t, ProgramStart+10, vm.pc)

	vm.KeyDown(Key5)
	runOp(t, vm, 0xE1A1)
	assert.Equal(t, ProgramStart+12, vm.pc)
}

func TestWaitForKeyPress(t *testing.T) {
	// A key held before the wait begins must not satisfy it; only a fresh
	// press completes the instruction, with the pc parked meanwhile.
	vm := newTestVM(t, []byte{0xF1, 0x0A}, Quirks{})
	vm.KeyDown(Key5)

	res, err := vm.Step()
	assert.NoError(t, err)
	assert.True(t, res.Waiting)
	assert.Equal(t, ProgramStart, vm.pc)

	res, err = vm.Step()
	assert.NoError(t, err)
	assert.True(t, res.Waiting)
	assert.Equal(t, ProgramStart, vm.pc)

	vm.KeyDown(Key7)
	res, err = vm.Step()
	assert.NoError(t, err)
	assert.False(t, res.Waiting)
	assert.Equal(t, uint8(0x7), vm.registers[1])
	assert.Equal(t, ProgramStart+2, vm.pc)
}

func TestWaitForKeyReleaseAndRepress(t *testing.T) {
	// Releasing a held key re-arms it: pressing it again counts as fresh.
	vm := newTestVM(t, []byte{0xF1, 0x0A}, Quirks{})
	vm.KeyDown(Key5)

	res, err := vm.Step()
	assert.NoError(t, err)
	assert.True(t, res.Waiting)

	vm.KeyUp(Key5)
	res, err = vm.Step()
	assert.NoError(t, err)
	assert.True(t, res.Waiting)

	vm.KeyDown(Key5)
	res, err = vm.Step()
	assert.NoError(t, err)
	assert.False(t, res.Waiting)
	assert.Equal(t, uint8(0x5), vm.registers[1])
}

func TestDelayTimer(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.registers[1] = 5

	// The timer decays once per cycle, including the cycle that sets it.
	runOp(t, vm, 0xF115)
	assert.Equal(t, uint8(4), vm.delayTimer)

	runOp(t, vm, 0xF207)
	assert.Equal(t, uint8(4), vm.registers[2])
	assert.Equal(t, uint8(3), vm.delayTimer)
}

func TestSoundTimerToneEdge(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.registers[1] = 3

	res := runOp(t, vm, 0xF118)
	assert.False(t, res.Tone)
	assert.Equal(t, uint8(2), vm.soundTimer)

	res = runOp(t, vm, 0x6000) // filler
	assert.False(t, res.Tone)

	// 1 -> 0 transition emits the tone request exactly once.
	res = runOp(t, vm, 0x6000)
	assert.True(t, res.Tone)
	assert.Equal(t, uint8(0), vm.soundTimer)

	res = runOp(t, vm, 0x6000)
	assert.False(t, res.Tone)
}

func TestIndexAdd(t *testing.T) {
	t.Run("no flag by default", func(t *testing.T) {
		vm := newTestVM(t, nil, Quirks{})
		vm.index = 0x0FFF
		vm.registers[1] = 2
		vm.registers[FlagRegister] = 0xAA

		runOp(t, vm, 0xF11E)

		assert.Equal(t, uint16(0x001), vm.index)
		assert.Equal(t, uint8(0xAA), vm.registers[FlagRegister])
	})

	t.Run("overflow flag quirk", func(t *testing.T) {
		vm := newTestVM(t, nil, Quirks{IndexOverflowFlag: true})
		vm.index = 0x0FFF
		vm.registers[1] = 2

		runOp(t, vm, 0xF11E)

		assert.Equal(t, uint16(0x001), vm.index)
		assert.Equal(t, uint8(1), vm.registers[FlagRegister])

		vm.registers[1] = 2
		runOp(t, vm, 0xF11E)
		assert.Equal(t, uint16(0x003), vm.index)
		assert.Equal(t, uint8(0), vm.registers[FlagRegister])
	})
}

func TestFontAddress(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.registers[1] = 0xA

	runOp(t, vm, 0xF129)

	assert.Equal(t, FontStart+0xA*5, vm.index)

	// The glyph bytes must actually live there.
	assert.Equal(t, uint8(0xF0), vm.memory[vm.index])
}

func TestBCD(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	vm.registers[1] = 234
	vm.index = 0x300

	runOp(t, vm, 0xF133)

	assert.Equal(t, uint8(2), vm.memory[0x300])
	assert.Equal(t, uint8(3), vm.memory[0x301])
	assert.Equal(t, uint8(4), vm.memory[0x302])
	assert.Equal(t, uint16(0x300), vm.index)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{})
	want := []uint8{0x11, 0x22, 0x33, 0x44}
	copy(vm.registers, want)
	vm.index = 0x300

	runOp(t, vm, 0xF355)
	assert.Equal(t, uint16(0x300), vm.index)

	for i := range vm.registers {
		vm.registers[i] = 0
	}

	runOp(t, vm, 0xF365)
	assert.Equal(t, uint16(0x300), vm.index)
	for i, b := range want {
		assert.Equal(t, b, vm.registers[i])
	}
}

func TestStoreLoadIncrementIndexQuirk(t *testing.T) {
	vm := newTestVM(t, nil, Quirks{IncrementIndex: true})
	vm.registers[0] = 0x11
	vm.registers[1] = 0x22
	vm.index = 0x300

	runOp(t, vm, 0xF155)

	assert.Equal(t, uint8(0x11), vm.memory[0x300])
	assert.Equal(t, uint8(0x22), vm.memory[0x301])
	assert.Equal(t, uint16(0x302), vm.index)
}
