package dfu

import (
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Session states.
const (
	StateIdle                    = "idle"
	StateConnected               = "connected"
	StateCharacteristicsResolved = "characteristics_resolved"
	StateVersionChecked          = "version_checked"
	StateNotificationsEnabled    = "notifications_enabled"
	StateTesting                 = "testing"
	StateConfiguring             = "configuring"
	StateTransferring            = "transferring"
	StatePatching                = "patching"
	StateFinalizing              = "finalizing"
	StateClosed                  = "closed"
)

const (
	eventConnect             = "connect"
	eventResolve             = "resolve"
	eventCheckVersion        = "check_version"
	eventEnableNotifications = "enable_notifications"
	eventTest                = "test"
	eventConfigure           = "configure"
	eventTransfer            = "transfer"
	eventPatch               = "patch"
	eventFinalize            = "finalize"
	eventClose               = "close"
)

// machine enforces the order of a DFU session. Illegal transitions are
// programming errors and surface as errors from fire.
type machine struct {
	fsm *fsm.FSM
}

func newMachine(logger *log.Entry) *machine {
	m := &machine{}
	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateIdle}, Dst: StateConnected},
			{Name: eventResolve, Src: []string{StateConnected}, Dst: StateCharacteristicsResolved},
			{Name: eventCheckVersion, Src: []string{StateCharacteristicsResolved}, Dst: StateVersionChecked},
			{Name: eventEnableNotifications, Src: []string{StateCharacteristicsResolved, StateVersionChecked}, Dst: StateNotificationsEnabled},
			{Name: eventTest, Src: []string{StateNotificationsEnabled}, Dst: StateTesting},
			{Name: eventConfigure, Src: []string{StateNotificationsEnabled}, Dst: StateConfiguring},
			{Name: eventTransfer, Src: []string{StateNotificationsEnabled}, Dst: StateTransferring},
			{Name: eventPatch, Src: []string{StateNotificationsEnabled}, Dst: StatePatching},
			{Name: eventFinalize, Src: []string{StateConfiguring, StateTransferring, StatePatching}, Dst: StateFinalizing},
			{Name: eventClose, Src: []string{
				StateIdle, StateConnected, StateCharacteristicsResolved, StateVersionChecked,
				StateNotificationsEnabled, StateTesting, StateConfiguring, StateTransferring,
				StatePatching, StateFinalizing,
			}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				logger.Debugf("session %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return m
}

func (m *machine) fire(event string) error {
	if err := m.fsm.Event(event); err != nil {
		return errors.Wrapf(err, "dfu: session cannot %s from %s", event, m.fsm.Current())
	}
	return nil
}

// close moves to the terminal state from wherever the session is.
func (m *machine) close() {
	if m.fsm.Is(StateClosed) {
		return
	}
	_ = m.fire(eventClose)
}

func (m *machine) current() string {
	return m.fsm.Current()
}
