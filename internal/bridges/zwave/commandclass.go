package zwave

import "fmt"

// CommandClassCode identifies a command class on the wire.
type CommandClassCode byte

// Command class codes this bridge knows about. Handled classes have a
// factory in the canonical table; the rest are recognised so inbound
// frames log by name instead of raw hex.
const (
	CommandClassNoOperation          CommandClassCode = 0x00
	CommandClassBasic                CommandClassCode = 0x20
	CommandClassSwitchBinary         CommandClassCode = 0x25
	CommandClassSwitchMultilevel     CommandClassCode = 0x26
	CommandClassSensorMultilevel     CommandClassCode = 0x31
	CommandClassMeter                CommandClassCode = 0x32
	CommandClassMultiInstance        CommandClassCode = 0x60
	CommandClassManufacturerSpecific CommandClassCode = 0x72
	CommandClassBattery              CommandClassCode = 0x80
	CommandClassWakeup               CommandClassCode = 0x84
	CommandClassAssociation          CommandClassCode = 0x85
	CommandClassVersion              CommandClassCode = 0x86
)

// Handler processes inbound commands for one command class on one node.
// Implementations hold per-node protocol state (last reported level,
// negotiated version) and are created when node interrogation finds the
// class in the node's capability list.
//
// Thread Safety: HandleCommand and the builder methods on concrete
// handlers may be called from different goroutines; implementations
// serialise access with their own mutex.
type Handler interface {
	// CommandClass returns the class this handler serves.
	CommandClass() CommandClassCode

	// Version returns the protocol version in effect for this node,
	// capped at the highest version the handler implements.
	Version() int

	// SetVersion records the version the node reports. Values above
	// the handler's maximum are capped, values below 1 ignored.
	SetVersion(version int)

	// HandleCommand processes one inbound command for this class.
	// Unparseable payloads are logged and dropped, never fatal.
	HandleCommand(cmd byte, payload []byte, endpoint Endpoint)
}

// ValueRequester schedules a value read from a node. Handlers use it
// for read-backs when a report leaves the device state uncertain.
type ValueRequester interface {
	RequestValue(node NodeID, endpoint Endpoint)
}

// HandlerDeps carries the collaborators every handler needs.
type HandlerDeps struct {
	// Events receives the typed events handlers emit.
	Events *Notifier

	// Requester schedules read-backs. May be nil in tests.
	Requester ValueRequester

	// Logger for decode problems and ignored commands. May be nil.
	Logger Logger
}

// HandlerFactory creates a handler bound to one node.
type HandlerFactory func(node NodeID, deps HandlerDeps) Handler

// CommandClassDef describes one recognised command class. A nil
// Factory marks a class the bridge decodes by name but does not
// process.
type CommandClassDef struct {
	Code       CommandClassCode
	Name       string         // Lowercase wire-adjacent name (e.g. "switch_multilevel")
	MaxVersion int            // Highest version the handler implements
	Factory    HandlerFactory // nil → known but not handled
}

// canonicalCommandClasses is the authoritative list of recognised
// command classes. Inbound frames for anything else log as unknown.
var canonicalCommandClasses = []CommandClassDef{
	// ── Handled ──────────────────────────────────────────────
	{Code: CommandClassNoOperation, Name: "no_operation", MaxVersion: 1, Factory: nil},
	{Code: CommandClassBasic, Name: "basic", MaxVersion: 1, Factory: newBasicHandler},
	{Code: CommandClassSwitchBinary, Name: "switch_binary", MaxVersion: 1, Factory: newSwitchBinaryHandler},
	{Code: CommandClassSwitchMultilevel, Name: "switch_multilevel", MaxVersion: 3, Factory: newSwitchMultilevelHandler},
	{Code: CommandClassBattery, Name: "battery", MaxVersion: 1, Factory: newBatteryHandler},

	// ── Known but not handled ────────────────────────────────
	{Code: CommandClassSensorMultilevel, Name: "sensor_multilevel", MaxVersion: 0, Factory: nil},
	{Code: CommandClassMeter, Name: "meter", MaxVersion: 0, Factory: nil},
	{Code: CommandClassMultiInstance, Name: "multi_instance", MaxVersion: 0, Factory: nil},
	{Code: CommandClassManufacturerSpecific, Name: "manufacturer_specific", MaxVersion: 0, Factory: nil},
	{Code: CommandClassWakeup, Name: "wakeup", MaxVersion: 0, Factory: nil},
	{Code: CommandClassAssociation, Name: "association", MaxVersion: 0, Factory: nil},
	{Code: CommandClassVersion, Name: "version", MaxVersion: 0, Factory: nil},
}

// Lookup maps built once at init.
var (
	commandClassByCode map[CommandClassCode]*CommandClassDef
	commandClassByName map[string]*CommandClassDef
)

func init() {
	commandClassByCode = make(map[CommandClassCode]*CommandClassDef, len(canonicalCommandClasses))
	commandClassByName = make(map[string]*CommandClassDef, len(canonicalCommandClasses))
	for i := range canonicalCommandClasses {
		def := &canonicalCommandClasses[i]
		commandClassByCode[def.Code] = def
		commandClassByName[def.Name] = def
	}
}

// LookupCommandClass returns the definition for a code.
//
// Returns:
//   - *CommandClassDef: Definition (nil if unknown)
//   - bool: Whether the code is recognised
func LookupCommandClass(code CommandClassCode) (*CommandClassDef, bool) {
	def, ok := commandClassByCode[code]
	return def, ok
}

// CommandClassByName returns the code for a canonical class name, as
// used in device configuration files.
//
// Returns:
//   - CommandClassCode: The class code
//   - bool: Whether the name is recognised
func CommandClassByName(name string) (CommandClassCode, bool) {
	def, ok := commandClassByName[name]
	if !ok {
		return 0, false
	}
	return def.Code, true
}

// Known reports whether the code appears in the canonical table.
func (c CommandClassCode) Known() bool {
	_, ok := commandClassByCode[c]
	return ok
}

// Handled reports whether the bridge processes commands for this code.
func (c CommandClassCode) Handled() bool {
	def, ok := commandClassByCode[c]
	return ok && def.Factory != nil
}

// String returns the class name, or the hex code for unknown classes.
func (c CommandClassCode) String() string {
	if def, ok := commandClassByCode[c]; ok {
		return def.Name
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// NewHandler creates a handler for a command class on one node.
//
// Parameters:
//   - code: Command class code
//   - node: Node the handler is bound to
//   - deps: Collaborators (events, read-back requester, logger)
//
// Returns:
//   - Handler: Fresh handler with version 1
//   - error: ErrUnsupportedCommandClass if no factory exists
func NewHandler(code CommandClassCode, node NodeID, deps HandlerDeps) (Handler, error) {
	def, ok := commandClassByCode[code]
	if !ok || def.Factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommandClass, code)
	}
	return def.Factory(node, deps), nil
}

// Nil-safe logging helpers for handlers, which treat the logger as
// optional the same way the gateway client does.

func logDebug(logger Logger, msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func logWarn(logger Logger, msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
