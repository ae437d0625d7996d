package vm

import (
	"context"
	"fmt"
	"log/slog"
)

func (vm *VM) executeOpcode(opcode uint16) error {
	instr := decode(opcode)

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug(
			"exec",
			"pc", fmt.Sprintf("0x%04x", vm.pc),
			"opcode", fmt.Sprintf("0x%04x", opcode),
			"instr", instr.Name(opcode),
		)
	}

	return instr.Execute(vm, opcode)
}

type instruction struct {
	Name    func(opcode uint16) string
	Execute func(vm *VM, opcode uint16) error
}

// Operand field extraction, shared by nearly every instruction:
// the second nibble selects register x, the third register y, and the low
// 4/8/12 bits carry the immediate.
func regX(opcode uint16) uint16    { return (opcode & 0x0F00) >> 8 }
func regY(opcode uint16) uint16    { return (opcode & 0x00F0) >> 4 }
func immN(opcode uint16) uint16    { return opcode & 0x000F }
func immNN(opcode uint16) uint8    { return uint8(opcode & 0x00FF) }
func addrNNN(opcode uint16) uint16 { return opcode & 0x0FFF }

func decode(opcode uint16) instruction {
	switch opcode & 0xF000 {
	case 0x0000:
		switch opcode & 0x00FF {
		case 0x00E0:
			// 00E0 - Clear screen
			return clsInstruction

		case 0x00EE:
			// 00EE - Return from subroutine
			return rtsInstruction
		}

	case 0x1000:
		// 1NNN - Jumps to address NNN
		return jmpInstruction

	case 0x2000:
		// 2NNN - Calls subroutine at NNN
		return jsrInstruction

	case 0x3000:
		// 3XNN - Skips the next instruction if VX equals NN
		return skeq1Instruction

	case 0x4000:
		// 4XNN - Skips the next instruction if VX does not equal NN
		return skne1Instruction

	case 0x5000:
		if opcode&0x000F == 0 {
			// 5XY0 - Skips the next instruction if VX equals VY
			return skeq2Instruction
		}

	case 0x6000:
		// 6XNN - Sets VX to NN
		return mov1Instruction

	case 0x7000:
		// 7XNN - Adds NN to VX, no carry
		return add1Instruction

	case 0x8000:
		// 8XY_
		switch opcode & 0x000F {
		case 0x0000:
			// 8XY0 - Sets VX to the value of VY
			return mov2Instruction

		case 0x0001:
			// 8XY1 - Sets VX to (VX OR VY)
			return orInstruction

		case 0x0002:
			// 8XY2 - Sets VX to (VX AND VY)
			return andInstruction

		case 0x0003:
			// 8XY3 - Sets VX to (VX XOR VY)
			return xorInstruction

		case 0x0004:
			// 8XY4 - Adds VY to VX. VF is set to 1 when there's a carry, and to 0 when there isn't.
			return add2Instruction

		case 0x0005:
			// 8XY5 - VY is subtracted from VX. VF is set to 0 when there's a borrow, and 1 when there isn't.
			return subInstruction

		case 0x0006:
			// 8XY6 - Shifts VX right by one. VF is set to the least significant bit of VX before the shift.
			return shrInstruction

		case 0x0007:
			// 8XY7 - Sets VX to VY minus VX. VF is set to 0 when there's a borrow, and 1 when there isn't.
			return rsbInstruction

		case 0x000E:
			// 8XYE - Shifts VX left by one. VF is set to the most significant bit of VX before the shift.
			return shlInstruction
		}

	case 0x9000:
		if opcode&0x000F == 0 {
			// 9XY0 - Skips the next instruction if VX doesn't equal VY
			return skne2Instruction
		}

	case 0xA000:
		// ANNN - Sets I to the address NNN
		return mviInstruction

	case 0xB000:
		// BNNN - Jumps to the address NNN plus V0
		return jmiInstruction

	case 0xC000:
		// CXNN - Sets VX to a random number, masked by NN
		return randInstruction

	case 0xD000:
		// DXYN - Draws an N-row sprite from memory[I..] at (VX, VY),
		// XOR-composited with wraparound; VF reports collision.
		return spriteInstruction

	case 0xE000:
		switch opcode & 0x00FF {
		case 0x009E:
			// EX9E - Skips the next instruction if the key stored in VX is pressed
			return skprInstruction

		case 0x00A1:
			// EXA1 - Skips the next instruction if the key stored in VX isn't pressed
			return skupInstruction
		}

	case 0xF000:
		switch opcode & 0x00FF {
		case 0x0007:
			// FX07 - Sets VX to the value of the delay timer
			return gdelayInstruction

		case 0x000A:
			// FX0A - A key press is awaited, and then stored in VX
			return keyInstruction

		case 0x0015:
			// FX15 - Sets the delay timer to VX
			return sdelayInstruction

		case 0x0018:
			// FX18 - Sets the sound timer to VX
			return ssoundInstruction

		case 0x001E:
			// FX1E - Adds VX to I
			return adiInstruction

		case 0x0029:
			// FX29 - Sets I to the location of the 4x5 font sprite for the
			// character in VX
			return fontInstruction

		case 0x0033:
			// FX33 - Stores the binary-coded decimal representation of VX
			// at the addresses I, I+1 and I+2
			return bcdInstruction

		case 0x0055:
			// FX55 - Stores V0 to VX in memory starting at address I
			return strInstruction

		case 0x0065:
			// FX65 - Reads memory starting at address I into V0..VX
			return ldrInstruction
		}
	}

	return unknownInstruction
}

var (
	// 00E0	cls	Clear the screen
	clsInstruction = instruction{
		Name: func(opcode uint16) string {
			return "cls"
		},
		Execute: func(vm *VM, opcode uint16) error {
			for i := range vm.gfx {
				vm.gfx[i] = 0
			}
			vm.drawFlag = true
			vm.pc += InstructionSize
			return nil
		},
	}

	// 00EE	rts	return from subroutine call
	rtsInstruction = instruction{
		Name: func(opcode uint16) string {
			return "rts"
		},
		Execute: func(vm *VM, opcode uint16) error {
			if vm.sp == 0 {
				return &FatalError{Reason: "stack underflow", PC: vm.pc, Opcode: opcode}
			}

			vm.sp--
			vm.pc = vm.stack[vm.sp]
			return nil
		},
	}

	// 1xxx	jmp xxx	jump to address xxx
	jmpInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("jmp 0x%04x", addrNNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.pc = addrNNN(opcode)
			return nil
		},
	}

	// 2xxx	jsr xxx	jump to subroutine at address xxx
	jsrInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("jsr 0x%04x", addrNNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			if int(vm.sp) == StackSize {
				return &FatalError{Reason: "stack overflow", PC: vm.pc, Opcode: opcode}
			}

			// The return address is the instruction after the call.
			vm.stack[vm.sp] = vm.pc + InstructionSize
			vm.sp++
			vm.pc = addrNNN(opcode)
			return nil
		},
	}

	// 3rxx	skeq vr,xx	skip if register r = constant
	skeq1Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("skeq v%x, %d", regX(opcode), immNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			if vm.registers[regX(opcode)] == immNN(opcode) {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// 4rxx	skne vr,xx	skip if register r <> constant
	skne1Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("skne v%x, %d", regX(opcode), immNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			if vm.registers[regX(opcode)] != immNN(opcode) {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// 5ry0	skeq vr,vy	skip if register r = register y
	skeq2Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("skeq v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			if vm.registers[regX(opcode)] == vm.registers[regY(opcode)] {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// 6rxx	mov vr,xx	move constant to register r
	mov1Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("mov v%x, %d", regX(opcode), immNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] = immNN(opcode)

			vm.pc += InstructionSize
			return nil
		},
	}

	// 7rxx	add vr,xx	add constant to register r	No carry generated
	add1Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("add v%x, %d", regX(opcode), immNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] += immNN(opcode)

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry0	mov vr,vy	move register vy into vr
	mov2Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("mov v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] = vm.registers[regY(opcode)]

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry1	or vr,vy	or register vy into register vr
	orInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("or v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] |= vm.registers[regY(opcode)]

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry2	and vr,vy	and register vy into register vr
	andInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("and v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] &= vm.registers[regY(opcode)]

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry3	xor vr,vy	exclusive or register vy into register vr
	xorInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("xor v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] ^= vm.registers[regY(opcode)]

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry4	add vr,vy	add register vy to vr, carry in vf
	add2Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("add v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]
			y := vm.registers[regY(opcode)]

			// The carry must come from the unwrapped sum.
			sum := uint16(x) + uint16(y)

			vm.registers[regX(opcode)] = uint8(sum)
			if sum > 0xFF {
				vm.registers[FlagRegister] = 1
			} else {
				vm.registers[FlagRegister] = 0
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry5	sub vr,vy	subtract register vy from vr	vf set to 1 if no borrow
	subInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("sub v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]
			y := vm.registers[regY(opcode)]

			vm.registers[regX(opcode)] = x - y
			if x >= y {
				vm.registers[FlagRegister] = 1
			} else {
				vm.registers[FlagRegister] = 0
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8r06	shr vr	shift register vr right, bit 0 goes into register vf
	shrInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("shr v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]

			vm.registers[FlagRegister] = x & 0x1
			vm.registers[regX(opcode)] = x >> 1

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8ry7	rsb vr,vy	subtract register vr from register vy, result in vr	vf set to 1 if no borrow
	rsbInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("rsb v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]
			y := vm.registers[regY(opcode)]

			vm.registers[regX(opcode)] = y - x
			if y >= x {
				vm.registers[FlagRegister] = 1
			} else {
				vm.registers[FlagRegister] = 0
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// 8r0e	shl vr	shift register vr left, bit 7 goes into register vf
	shlInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("shl v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]

			vm.registers[FlagRegister] = x >> 7
			vm.registers[regX(opcode)] = x << 1

			vm.pc += InstructionSize
			return nil
		},
	}

	// 9ry0	skne vr,vy	skip if register r <> register y
	skne2Instruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("skne v%x, v%x", regX(opcode), regY(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			if vm.registers[regX(opcode)] != vm.registers[regY(opcode)] {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// axxx	mvi xxx	Load index register with constant xxx
	mviInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("mvi 0x%04x", addrNNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.index = addrNNN(opcode)

			vm.pc += InstructionSize
			return nil
		},
	}

	// bxxx	jmi xxx	Jump to address xxx+register v0
	jmiInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("jmi 0x%04x", addrNNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.pc = (addrNNN(opcode) + uint16(vm.registers[0])) & 0x0FFF
			return nil
		},
	}

	// crxx	rand vr,xx	vr = random byte masked by xx
	randInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("rand v%x, %d", regX(opcode), immNN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] = vm.randGen() & immNN(opcode)

			vm.pc += InstructionSize
			return nil
		},
	}

	// drys	sprite vr,vy,s	Draw sprite at screen location vr,vy height s
	// Sprites stored in memory at location in index register, maximum 8 bits wide.
	// Wraps around the screen.
	// All drawing is xor drawing; vf is set to 1 if a pixel is cleared.
	spriteInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("sprite v%x, v%x, %d", regX(opcode), regY(opcode), immN(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			height := immN(opcode)
			xLocation := uint16(vm.registers[regX(opcode)])
			yLocation := uint16(vm.registers[regY(opcode)])

			hasCollision := uint8(0)
			for y := uint16(0); y < height; y++ {
				row := vm.memory[(vm.index+y)&(MemorySize-1)]

				const width = uint16(8)
				for x := uint16(0); x < width; x++ {
					mask := uint8(0x80 >> x)
					if (row & mask) == 0 {
						continue
					}

					screenAddr := getScreenAddr(x+xLocation, y+yLocation)
					if vm.gfx[screenAddr] != 0 {
						hasCollision = 1
					}

					vm.gfx[screenAddr] ^= 1
				}
			}

			vm.registers[FlagRegister] = hasCollision
			vm.drawFlag = true
			vm.pc += InstructionSize
			return nil
		},
	}

	// er9e	skpr r	skip if key (register vr) pressed
	skprInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("skpr v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			key := vm.registers[regX(opcode)] & 0x0F

			if vm.keypad[key] != 0 {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// era1	skup r	skip if key (register vr) not pressed
	skupInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("skup v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			key := vm.registers[regX(opcode)] & 0x0F

			if vm.keypad[key] == 0 {
				vm.pc += 2 * InstructionSize
			} else {
				vm.pc += InstructionSize
			}

			return nil
		},
	}

	// fr07	gdelay vr	get delay timer into vr
	gdelayInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("gdelay v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] = vm.delayTimer

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr0a	key vr	wait for keypress, put key in register vr
	// The pc is left in place until a fresh press arrives, so the host can
	// inject key events between cycles. Keys already held when the wait
	// begins do not count.
	keyInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("key v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			if !vm.waiting {
				vm.waiting = true
				copy(vm.waitBase, vm.keypad)
			}

			for i := range vm.keypad {
				if vm.keypad[i] == 0 {
					// A released key may re-trigger the wait.
					vm.waitBase[i] = 0
					continue
				}

				if vm.waitBase[i] == 0 {
					vm.registers[regX(opcode)] = uint8(i)
					vm.waiting = false
					vm.pc += InstructionSize
					return nil
				}
			}

			return nil
		},
	}

	// fr15	sdelay vr	set the delay timer to vr
	sdelayInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("sdelay v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.delayTimer = vm.registers[regX(opcode)]

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr18	ssound vr	set the sound timer to vr
	ssoundInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("ssound v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.soundTimer = vm.registers[regX(opcode)]

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr1e	adi vr	add register vr to the index register
	adiInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("adi v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			sum := vm.index + uint16(vm.registers[regX(opcode)])

			if vm.quirks.IndexOverflowFlag {
				if sum > 0x0FFF {
					vm.registers[FlagRegister] = 1
				} else {
					vm.registers[FlagRegister] = 0
				}
			}

			vm.index = sum & 0x0FFF
			vm.pc += InstructionSize
			return nil
		},
	}

	// fr29	font vr	point I to the sprite for hexadecimal character in vr	Sprite is 5 bytes high
	fontInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("font v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			digit := uint16(vm.registers[regX(opcode)] & 0x0F)
			vm.index = FontStart + digit*5

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr33	bcd vr	store the bcd representation of register vr at location I,I+1,I+2	Doesn't change I
	bcdInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("bcd v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]

			vm.memory[vm.index&(MemorySize-1)] = x / 100
			vm.memory[(vm.index+1)&(MemorySize-1)] = (x / 10) % 10
			vm.memory[(vm.index+2)&(MemorySize-1)] = x % 10

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr55	str v0-vr	store registers v0-vr at location I onwards
	strInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("str v0-v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			n := regX(opcode)

			for i := uint16(0); i <= n; i++ {
				vm.memory[(vm.index+i)&(MemorySize-1)] = vm.registers[i]
			}

			// On the original interpreter, I = I + X + 1 afterwards.
			if vm.quirks.IncrementIndex {
				vm.index = (vm.index + n + 1) & 0x0FFF
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	// fr65	ldr v0-vr	load registers v0-vr from location I onwards
	ldrInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("ldr v0-v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			n := regX(opcode)

			for i := uint16(0); i <= n; i++ {
				vm.registers[i] = vm.memory[(vm.index+i)&(MemorySize-1)]
			}

			// On the original interpreter, I = I + X + 1 afterwards.
			if vm.quirks.IncrementIndex {
				vm.index = (vm.index + n + 1) & 0x0FFF
			}

			vm.pc += InstructionSize
			return nil
		},
	}

	unknownInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("unknown 0x%04X", opcode)
		},
		Execute: func(vm *VM, opcode uint16) error {
			return &FatalError{Reason: "unknown instruction", PC: vm.pc, Opcode: opcode}
		},
	}
)

func getScreenAddr(x, y uint16) uint16 {
	x %= ScreenWidth
	y %= ScreenHeight

	return ScreenWidth*y + x
}
