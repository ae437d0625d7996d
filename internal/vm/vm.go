// Package vm implements the CHIP-8 machine: memory, registers, timers,
// frame buffer and the fetch/decode/execute cycle. The package performs no
// I/O of its own; rendering, input and sound are delegated to a HAL.
package vm

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
)

const (
	MemorySize    = 4096
	StackSize     = 16
	RegisterCount = 16
	ScreenWidth   = 64
	ScreenHeight  = 32
	KeyCount      = 16

	ProgramStart    = uint16(0x200)
	FontStart       = uint16(0x050)
	InstructionSize = 2

	// FlagRegister is VF, overwritten by arithmetic and draw instructions.
	FlagRegister = 0x0F

	// MaxProgramSize is the largest ROM that fits between ProgramStart and
	// the end of memory.
	MaxProgramSize = MemorySize - int(ProgramStart)
)

// Quirks selects between documented behavioral variants of the original
// interpreters. The zero value matches the modern de-facto standard.
type Quirks struct {
	// IndexOverflowFlag makes FX1E set VF to 1 when I+VX passes 0x0FFF.
	IndexOverflowFlag bool

	// IncrementIndex makes FX55/FX65 leave I = I + X + 1, as the original
	// COSMAC VIP interpreter did.
	IncrementIndex bool
}

type VM struct {
	memory    []uint8 // Memory (4k)
	registers []uint8 // V registers (V0-VF)

	stack []uint16 // Return stack
	sp    uint16   // Stack pointer

	pc    uint16 // Program counter
	index uint16 // Index register

	delayTimer uint8 // Delay timer
	soundTimer uint8 // Sound timer

	gfx      []uint8 // Graphics buffer, one cell per pixel, 0 or 1
	keypad   []uint8 // Keypad state, one cell per hex key
	drawFlag bool    // Set by 00E0 and DXYN, cleared when a frame is consumed

	// FX0A bookkeeping: waitBase records which keys were already held when
	// the wait began, so only a fresh press satisfies it.
	waiting  bool
	waitBase []uint8

	quirks  Quirks
	randGen func() uint8

	program []byte
}

// New builds a machine with the given program loaded at ProgramStart.
// It fails before any cycle runs if the program does not fit in memory.
func New(program []byte, quirks Quirks) (*VM, error) {
	if len(program) > MaxProgramSize {
		return nil, fmt.Errorf("program is %d bytes, limit is %d", len(program), MaxProgramSize)
	}

	vm := &VM{
		memory:    make([]uint8, MemorySize),
		registers: make([]uint8, RegisterCount),
		stack:     make([]uint16, StackSize),
		gfx:       make([]uint8, ScreenWidth*ScreenHeight),
		keypad:    make([]uint8, KeyCount),
		waitBase:  make([]uint8, KeyCount),
		quirks:    quirks,
		randGen:   func() uint8 { return uint8(rand.IntN(256)) },
		program:   program,
	}
	vm.Reset()
	return vm, nil
}

type HAL interface {
	ReadInput(keyDown func(Key), keyUp func(Key)) error
	Draw(gfx []byte) error
	Beep() error
	WaitForNextFrame() error
	WaitForQuit() error
}

type Key uint8

const (
	Key0 = Key(iota)
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
)

// StepResult reports the side effects of one cycle that the host must act on.
type StepResult struct {
	Redraw  bool // frame buffer changed, a frame should be presented
	Tone    bool // sound timer just expired, a tone should be played
	Waiting bool // FX0A is pending a key press, pc did not advance
}

// FatalError is an unrecoverable machine fault: a malformed or unsupported
// ROM drove the machine into an invalid state. It carries the address and
// raw word of the offending instruction.
type FatalError struct {
	Reason string
	PC     uint16
	Opcode uint16
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s at 0x%04x (opcode 0x%04x)", e.Reason, e.PC, e.Opcode)
}

// Reset returns the machine to its boot state: memory cleared, font and
// program installed, pc at ProgramStart, stack and timers cleared.
func (vm *VM) Reset() {
	vm.pc = ProgramStart
	vm.index = 0
	vm.sp = 0
	vm.waiting = false

	// Clear the display
	for i := range vm.gfx {
		vm.gfx[i] = 0
	}
	vm.drawFlag = true

	// Clear the stack, keypad, and V registers
	for i := range vm.stack {
		vm.stack[i] = 0
	}

	for i := range vm.keypad {
		vm.keypad[i] = 0
	}

	for i := range vm.registers {
		vm.registers[i] = 0
	}

	// Clear memory
	for i := range vm.memory {
		vm.memory[i] = 0
	}

	// Load font set into memory
	slog.Debug("load font", "at", fmt.Sprintf("0x%04x", FontStart), "n", len(fontSet))
	copy(vm.memory[FontStart:], fontSet)

	// Load program into memory
	slog.Debug("load program", "at", fmt.Sprintf("0x%04x", ProgramStart), "n", len(vm.program))
	copy(vm.memory[ProgramStart:], vm.program)

	// Reset timers
	vm.delayTimer = 0
	vm.soundTimer = 0
}

// Step runs one cycle: fetch the word at pc, decode, execute, then decrement
// both timers. Redraw and tone requests are reported through the result for
// the host to consume; the machine itself never blocks or performs I/O.
func (vm *VM) Step() (StepResult, error) {
	opcode := vm.fetchOpcode()
	if err := vm.executeOpcode(opcode); err != nil {
		return StepResult{}, err
	}

	var res StepResult

	// Update timers
	if vm.delayTimer > 0 {
		vm.delayTimer--
	}

	if vm.soundTimer > 0 {
		vm.soundTimer--
		if vm.soundTimer == 0 {
			res.Tone = true
		}
	}

	res.Redraw = vm.drawFlag
	res.Waiting = vm.waiting
	return res, nil
}

func (vm *VM) fetchOpcode() uint16 {
	hi := vm.memory[vm.pc&(MemorySize-1)]
	lo := vm.memory[(vm.pc+1)&(MemorySize-1)]

	opcode := uint16(hi)<<8 | uint16(lo) // Op code is two bytes, big-endian
	return opcode
}

// Gfx exposes the frame buffer for rendering. The host must treat it as
// read-only and must not touch it concurrently with Step.
func (vm *VM) Gfx() []uint8 {
	return vm.gfx
}

// ClearDrawFlag acknowledges a consumed frame.
func (vm *VM) ClearDrawFlag() {
	vm.drawFlag = false
}

func (vm *VM) KeyDown(key Key) {
	vm.keypad[int(key)] = 1
}

func (vm *VM) KeyUp(key Key) {
	vm.keypad[int(key)] = 0
}

// Run drives the machine against a HAL: a batch of CPU cycles per frame,
// then draw, beep, input and frame pacing. cyclesPerFrame sets the CPU
// speed relative to the per-frame timer decay.
func (vm *VM) Run(hal HAL, cyclesPerFrame int) error {
	if cyclesPerFrame < 1 {
		cyclesPerFrame = 1
	}

	vm.Reset()

	for {
		for i := 0; i < cyclesPerFrame; i++ {
			res, err := vm.Step()
			if err != nil {
				return err
			}

			if res.Tone {
				if err := hal.Beep(); err != nil {
					return err
				}
			}
		}

		if vm.drawFlag {
			if err := hal.Draw(vm.gfx); err != nil {
				return err
			}
			vm.ClearDrawFlag()
		}

		if err := hal.ReadInput(vm.KeyDown, vm.KeyUp); err != nil {
			return err
		}

		if err := hal.WaitForNextFrame(); err != nil {
			return err
		}
	}
}
