// Package pit programs the legacy 8253/8254 programmable interval timer's
// channel 0 to fire IRQ0 at a fixed rate, the tick source the scheduler
// uses to decrement task time slices.
package pit

import "github.com/corvus-os/corvus/kernel/cpu"

const (
	channel0Data  = 0x40
	commandPort   = 0x43

	// modeRateGenerator (mode 2) reloads the counter and fires once per
	// period rather than once total.
	modeRateGenerator = 0x04
	// accessLoHi sends the 16-bit reload value as two successive bytes.
	accessLoHi = 0x30

	// baseFrequency is the PIT's fixed input clock.
	baseFrequency = 1193182

	// TickHz is the rate the scheduler expects IRQ0 to fire at; 100Hz
	// matches the 10ms quantum tick used throughout kernel/task.
	TickHz = 100
)

var outbFn = cpu.OutB

// Init programs channel 0 for a periodic interrupt at TickHz.
func Init() {
	divisor := uint16(baseFrequency / TickHz)
	outbFn(commandPort, modeRateGenerator|accessLoHi)
	outbFn(channel0Data, byte(divisor))
	outbFn(channel0Data, byte(divisor>>8))
}
