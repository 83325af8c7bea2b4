package task

import "github.com/corvus-os/corvus/kernel/cpu"

// entryTrampoline is the first code a freshly created kernel task runs. It
// is reached by a direct jump from cpu.Switch, not a call, so it must never
// execute an ordinary return: Exit blocks forever instead. Every kernel
// task's Context.EIP points here; Sched.Current() recovers which task is
// actually running.
func entryTrampoline() {
	cpu.EnableInterrupts()
	t := Sched.Current()
	t.entry(t.entryArg)
	Exit(0)
}

// userModeTrampoline is the shared first code every user task runs, still
// at Ring 0 and still on its kernel stack. It assembles the Ring-3 context
// recorded on the task by CreateUserTask and hands off through
// cpu.EnterUserMode, which does not return.
func userModeTrampoline() {
	t := Sched.Current()

	if t.pageDir != nil {
		t.pageDir.Activate()
	}

	ctx := cpu.Context{
		EIP:    uint32(t.UserEntry),
		ESP:    uint32(t.userEntryESP),
		EBP:    uint32(t.userEntryESP),
		CS:     userCodeSelector,
		DS:     userDataSelector,
		ES:     userDataSelector,
		FS:     userDataSelector,
		GS:     userDataSelector,
		SS:     userDataSelector,
		EFLAGS: initialEFLAGSUser,
	}
	enterUserModeFn(&ctx)
}
