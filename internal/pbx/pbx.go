// Package pbx declares the telephony collaborators the manager drives:
// channels, dialplan, voicemail, modules, core status and dialplan
// functions. The manager only depends on these interfaces.
package pbx

import (
	"context"
	"errors"
	"time"

	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

var (
	ErrNoSuchChannel   = errors.New("pbx: no such channel")
	ErrNoSuchModule    = errors.New("pbx: no such module")
	ErrNoSuchMailbox   = errors.New("pbx: no such mailbox")
	ErrNoSuchMessage   = errors.New("pbx: no such message")
	ErrNoSuchFunction  = errors.New("pbx: no such function")
	ErrNoSuchExtension = errors.New("pbx: no such extension")
	ErrInvalidArgument = errors.New("pbx: invalid argument")
)

// Emitter publishes manager events. The manager implements it; collaborators
// call it when their state changes.
type Emitter interface {
	Emit(category perm.Mask, event string, headers ...wire.Header)
}

// ChannelState mirrors the classic channel states.
type ChannelState int

const (
	StateDown ChannelState = iota
	StateReserved
	StateOffHook
	StateDialing
	StateRing
	StateRinging
	StateUp
	StateBusy
)

var stateNames = [...]string{"Down", "Rsrvd", "OffHook", "Dialing", "Ring", "Ringing", "Up", "Busy"}

func (s ChannelState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Channel is a snapshot of one live channel.
type Channel struct {
	Name         string
	UniqueID     string
	State        ChannelState
	CallerIDNum  string
	CallerIDName string
	AccountCode  string
	Context      string
	Exten        string
	Priority     int
	Application  string
	Data         string
	BridgedTo    string
	Created      time.Time
	Timeout      time.Time
}

// Duration is the channel age at now.
func (c Channel) Duration(now time.Time) time.Duration {
	if c.Created.IsZero() {
		return 0
	}
	return now.Sub(c.Created)
}

// Channels manages live channels. An empty channel name in GetVar/SetVar
// addresses global variables.
type Channels interface {
	ListChannels() []Channel
	Channel(name string) (Channel, error)
	SoftHangup(name string, cause int) error
	Redirect(name, context, exten string, priority int) error
	Atxfer(name, context, exten string, priority int) error
	SetAbsoluteTimeout(name string, d time.Duration) error
	SendText(name, text string) error
	GetVar(name, variable string) (string, error)
	SetVar(name, variable, value string) error
}

// Functions evaluates dialplan functions such as MD5(x) against a channel.
type Functions interface {
	ReadFunction(channel, expr string) (string, error)
	WriteFunction(channel, expr, value string) error
}

// OriginateRequest describes an outbound call.
type OriginateRequest struct {
	Channel     string
	Context     string
	Exten       string
	Priority    int
	Application string
	Data        string
	Timeout     time.Duration
	CallerID    string
	Account     string
	Variables   map[string]string
}

// OriginateResult reports the outcome of an origination.
type OriginateResult struct {
	Channel  string
	UniqueID string
	Reason   int
}

// Originate reasons.
const (
	ReasonFailure  = 0
	ReasonNoAnswer = 3
	ReasonAnswered = 4
	ReasonBusy     = 5
)

// Extension states.
const (
	ExtensionNotInUse    = 0
	ExtensionInUse       = 1
	ExtensionBusy        = 2
	ExtensionUnavailable = 4
	ExtensionRinging     = 8
	ExtensionOnHold      = 16
)

// Dialplan covers origination and hint lookups.
type Dialplan interface {
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	ExtensionState(context, exten string) (hint string, state int, err error)
}

// VoicemailMessage is one stored message.
type VoicemailMessage struct {
	ID       string
	Folder   string
	CallerID string
	Duration time.Duration
	Received time.Time
	Urgent   bool
}

// Voicemail exposes mailbox counts and message management.
type Voicemail interface {
	MailboxCounts(mailbox string) (urgent, fresh, old int, err error)
	MailboxMessages(mailbox string) ([]VoicemailMessage, error)
	ManageMessage(mailbox, operation, id, folder string) error
}

// Module is one loadable module.
type Module struct {
	Name        string
	Description string
	Version     string
	Loaded      bool
	UseCount    int
}

// Modules loads, unloads and reloads modules. ReloadModule with an empty
// name reloads everything.
type Modules interface {
	ListModules() []Module
	CheckModule(name string) (Module, error)
	LoadModule(name string) error
	UnloadModule(name string) error
	ReloadModule(ctx context.Context, name string) error
}

// CoreInfo is process-wide status.
type CoreInfo struct {
	Version      string
	SystemName   string
	StartTime    time.Time
	LastReload   time.Time
	CurrentCalls int
	MaxCalls     int
	MaxLoadAvg   float64
	LoadAvg      float64
	RunUser      string
	RunGroup     string
	CDREnabled   bool
	HTTPEnabled  bool
}

// Core reports process status.
type Core interface {
	Info() CoreInfo
}

// PBX bundles the collaborators. Nil members make the dependent actions
// report that the feature is unavailable.
type PBX struct {
	Channels  Channels
	Functions Functions
	Dialplan  Dialplan
	Voicemail Voicemail
	Modules   Modules
	Core      Core
}
