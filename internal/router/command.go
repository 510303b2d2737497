package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Control-plane operation names.
const (
	OpInjectVillager = "inject_villager"
	OpOrder          = "order"
	OpOK             = "ok"
	OpError          = "error"
)

// Command is one control-plane line: an operation followed by its fields.
type Command struct {
	Op     string
	Fields []string
}

// Encode renders the command as "op|f1|f2|...\n".
func (c Command) Encode() ([]byte, error) {
	if c.Op == "" {
		return nil, errors.Invalid.Explain("command has no operation")
	}
	parts := make([]string, 0, len(c.Fields)+1)
	parts = append(parts, c.Op)
	parts = append(parts, c.Fields...)
	for i, p := range parts {
		if strings.ContainsAny(p, "|\r\n") {
			return nil, errors.Invalid.Explain("command field %d contains a reserved character", i)
		}
	}
	return []byte(strings.Join(parts, "|") + "\n"), nil
}

// String returns the encoded line without the newline, or the error text.
func (c Command) String() string {
	b, err := c.Encode()
	if err != nil {
		return err.Error()
	}
	return strings.TrimSuffix(string(b), "\n")
}

// Decode parses one line. A trailing newline is optional.
func Decode(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Command{}, errors.Invalid.Explain("empty command")
	}
	parts := strings.Split(line, "|")
	if parts[0] == "" {
		return Command{}, errors.Invalid.Explain("command has no operation")
	}
	return Command{Op: parts[0], Fields: parts[1:]}, nil
}

// Field returns the i-th field or "".
func (c Command) Field(i int) string {
	if i < 0 || i >= len(c.Fields) {
		return ""
	}
	return c.Fields[i]
}

// InjectVillager builds inject_villager|<slot>|<identity>|<k=v,...>. Flags
// are sorted by key so the line is stable.
func InjectVillager(slot int, identity string, flags map[string]string) Command {
	return Command{
		Op:     OpInjectVillager,
		Fields: []string{strconv.Itoa(slot), identity, EncodeFlags(flags)},
	}
}

// InjectVillagerArgs is the parsed form of an inject_villager command.
type InjectVillagerArgs struct {
	Slot     int
	Identity string
	Flags    map[string]string
}

// ParseInjectVillager validates and parses an inject_villager command.
func ParseInjectVillager(c Command) (InjectVillagerArgs, error) {
	if c.Op != OpInjectVillager {
		return InjectVillagerArgs{}, errors.Invalid.Explain("unexpected operation %q", c.Op)
	}
	if len(c.Fields) < 2 {
		return InjectVillagerArgs{}, errors.Invalid.Explain("inject_villager needs a slot and a villager")
	}
	slot, err := strconv.Atoi(c.Fields[0])
	if err != nil {
		return InjectVillagerArgs{}, errors.Invalid.Explain("slot %q is not a number", c.Fields[0])
	}
	flags, err := DecodeFlags(c.Field(2))
	if err != nil {
		return InjectVillagerArgs{}, err
	}
	return InjectVillagerArgs{Slot: slot, Identity: c.Fields[1], Flags: flags}, nil
}

// EncodeFlags renders flags as comma separated key=value pairs.
func EncodeFlags(flags map[string]string) string {
	if len(flags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + flags[k]
	}
	return strings.Join(pairs, ",")
}

// DecodeFlags parses the output of EncodeFlags.
func DecodeFlags(s string) (map[string]string, error) {
	flags := make(map[string]string)
	if s == "" {
		return flags, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errors.Invalid.Explain("malformed flag %q", pair)
		}
		flags[k] = v
	}
	return flags, nil
}

// Reply builds the single-line answer a worker sends back.
func Reply(err error, message string) Command {
	if err != nil {
		return Command{Op: OpError, Fields: []string{sanitize(errors.Message(err))}}
	}
	return Command{Op: OpOK, Fields: []string{sanitize(message)}}
}

func sanitize(s string) string {
	return strings.NewReplacer("|", "/", "\r", " ", "\n", " ").Replace(s)
}

func describe(c Command) string {
	return fmt.Sprintf("%s(%d fields)", c.Op, len(c.Fields))
}
