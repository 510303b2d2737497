// Package chat interprets chat commands from any chat platform and turns
// them into dispatch operations. It knows nothing about the platform's
// transport: adapters feed it Messages and deliver the Outgoing replies.
package chat

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/catalog"
	"github.com/Aidin1998/crossqueue/internal/dispatch"
	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Message is one inbound chat line.
type Message struct {
	Origin      queue.Origin
	Text        string
	Whisper     bool
	Broadcaster bool
	Subscriber  bool
}

// Destination says where a reply goes.
type Destination int

const (
	ToChannel Destination = iota
	ToWhisper
)

// Outgoing is one reply line.
type Outgoing struct {
	Dest    Destination
	Channel string
	User    string
	Text    string
}

// Result is everything a command produced.
type Result struct {
	Replies []Outgoing
	// Requests lists requests created by the command, in slot order.
	Requests []*queue.Request
}

// Text joins the reply texts; convenient for front-ends with a single
// response body.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Replies))
	for _, o := range r.Replies {
		if o.Dest == ToChannel {
			parts = append(parts, o.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Config tunes the interpreter.
type Config struct {
	Prefix       string            `mapstructure:"prefix"`
	FrontEnd     string            `mapstructure:"front_end"`
	Island       int               `mapstructure:"island"`
	Sudo         []string          `mapstructure:"sudo"`
	Blacklist    []string          `mapstructure:"blacklist"`
	AllowChannel bool              `mapstructure:"allow_channel"`
	AllowWhisper bool              `mapstructure:"allow_whisper"`
	MaxItems     int               `mapstructure:"max_items"`
	CodeDigits   int               `mapstructure:"code_digits"`
	Commands     map[string]string `mapstructure:"commands"`
	SubCommands  map[string]string `mapstructure:"sub_commands"`
}

// DefaultConfig returns the chat defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:       "!",
		FrontEnd:     "twitch",
		Island:       1,
		AllowChannel: true,
		AllowWhisper: true,
		MaxItems:     40,
		CodeDigits:   3,
	}
}

// Interpreter maps chat commands onto one island.
type Interpreter struct {
	cfg      Config
	registry *dispatch.Registry
	catalog  *catalog.Catalog
	policy   *bluemonday.Policy
	logger   *zap.Logger

	sudo      map[string]bool
	blacklist map[string]bool
}

// NewInterpreter creates an interpreter bound to cfg.Island.
func NewInterpreter(cfg Config, registry *dispatch.Registry, cat *catalog.Catalog, logger *zap.Logger) *Interpreter {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.FrontEnd == "" {
		cfg.FrontEnd = def.FrontEnd
	}
	if cfg.Island <= 0 {
		cfg.Island = def.Island
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.CodeDigits <= 0 {
		cfg.CodeDigits = def.CodeDigits
	}
	if cat == nil {
		cat = catalog.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Interpreter{
		cfg:       cfg,
		registry:  registry,
		catalog:   cat,
		policy:    bluemonday.StrictPolicy(),
		logger:    logger.Named("chat").With(zap.Int("island", cfg.Island)),
		sudo:      lowerSet(cfg.Sudo),
		blacklist: lowerSet(cfg.Blacklist),
	}
	return i
}

func lowerSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out
}

// FrontEnd returns the front-end name stamped on origins.
func (i *Interpreter) FrontEnd() string { return i.cfg.FrontEnd }

// Handle interprets one message. Whispers that are not commands are taken
// as confirmation codes.
func (i *Interpreter) Handle(ctx context.Context, m Message) Result {
	if m.Origin.FrontEnd == "" {
		m.Origin.FrontEnd = i.cfg.FrontEnd
	}
	if i.blacklist[strings.ToLower(m.Origin.Username)] {
		return Result{}
	}
	if m.Whisper && !i.cfg.AllowWhisper || !m.Whisper && !i.cfg.AllowChannel {
		return Result{}
	}

	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, i.cfg.Prefix) {
		if m.Whisper {
			return i.confirm(m, text)
		}
		return Result{}
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(text, i.cfg.Prefix), " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	res := i.command(ctx, m, name, args)
	for k := range res.Replies {
		res.Replies[k].Text = i.sanitize(res.Replies[k].Text)
	}
	return res
}

func (i *Interpreter) command(ctx context.Context, m Message, name, args string) Result {
	user := m.Origin.Name()
	if tpl, ok := i.cfg.SubCommands[name]; ok {
		if !m.Subscriber && !m.Broadcaster {
			return i.reply(m, fmt.Sprintf("@%s - You must be a subscriber to use this command.", user))
		}
		return i.reply(m, i.expand(tpl, user))
	}
	if tpl, ok := i.cfg.Commands[name]; ok {
		return i.reply(m, i.expand(tpl, user))
	}

	switch name {
	case "injectvillager", "iv":
		return i.inject(ctx, m, args)
	case "order":
		return i.order(m, args, false)
	case "ordercat":
		return i.order(m, args, true)
	case "ts", "pos", "position", "time", "eta":
		return i.position(m)
	case "tc", "remove", "delete", "qc":
		return i.remove(m)
	case "ping":
		return i.reply(m, fmt.Sprintf("@%s: pong!", user))
	case "tcu", "toggleorders", "toggleinject", "clearall":
		if !i.isSudo(m) {
			return i.reply(m, "This command is locked for sudo users only!")
		}
		return i.admin(m, name, args)
	default:
		return Result{}
	}
}

func (i *Interpreter) isSudo(m Message) bool {
	return m.Broadcaster || i.sudo[strings.ToLower(m.Origin.Username)]
}

func (i *Interpreter) instance() (*dispatch.Instance, error) {
	in, ok := i.registry.Instance(i.cfg.Island)
	if !ok {
		return nil, errors.UnknownResource.Explain("island %d is not served by this bot", i.cfg.Island)
	}
	return in, nil
}

func (i *Interpreter) order(m Message, args string, fromCatalog bool) Result {
	user := m.Origin.Name()
	in, err := i.instance()
	if err != nil {
		return i.fail(m, err)
	}
	payload, err := i.parseOrder(args, fromCatalog)
	if err != nil {
		return i.fail(m, err)
	}
	req, pos, err := in.SubmitOrder(m.Origin, payload)
	if err != nil {
		return i.fail(m, err)
	}
	res := Result{Requests: []*queue.Request{req}}
	res.Replies = append(res.Replies,
		Outgoing{Dest: ToChannel, Channel: m.Origin.Channel, Text: fmt.Sprintf(
			"@%s - I've noted your order, you are number %d on the waiting list. I've whispered you a %d-digit number, whisper it back to me to join the queue.",
			user, pos, len(req.Code))},
		Outgoing{Dest: ToWhisper, User: m.Origin.Username, Text: fmt.Sprintf(
			"Your confirmation number is %s. Whisper it back to me to place your order.", req.Code)},
	)
	return res
}

func (i *Interpreter) parseOrder(args string, fromCatalog bool) (queue.OrderPayload, error) {
	var p queue.OrderPayload
	p.Catalog = fromCatalog
	for _, tok := range strings.FieldsFunc(args, func(r rune) bool { return r == ',' || r == '\n' }) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if k, v, ok := strings.Cut(tok, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "villager") {
			v, err := i.catalog.Resolve(v)
			if err != nil {
				return p, err
			}
			p.Villager = v.Key
			continue
		}
		p.Items = append(p.Items, tok)
	}
	if len(p.Items) == 0 && p.Villager == "" {
		return p, errors.Invalid.Explain("You must specify at least one item.")
	}
	if len(p.Items) > i.cfg.MaxItems {
		return p, errors.Invalid.Explain("You can order at most %d items.", i.cfg.MaxItems)
	}
	return p, nil
}

func (i *Interpreter) confirm(m Message, code string) Result {
	in, err := i.instance()
	if err != nil {
		return Result{}
	}
	user := m.Origin.Name()
	if code == "" || strings.ContainsAny(code, " \t") {
		return i.channel(m, fmt.Sprintf("@%s - Your %d-digit number was invalid. Please whisper only the number.", user, i.cfg.CodeDigits))
	}
	req, pos, err := in.ConfirmOrder(m.Origin, code)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return i.channel(m, fmt.Sprintf("@%s - Your %d-digit number was invalid or has expired. Please check it and try again.", user, i.cfg.CodeDigits))
		}
		return i.fail(m, err)
	}
	res := i.channel(m, fmt.Sprintf("@%s - your order is confirmed. You are number %d in the queue.", user, pos))
	res.Requests = []*queue.Request{req}
	return res
}

func (i *Interpreter) position(m Message) Result {
	user := m.Origin.Name()
	in, err := i.instance()
	if err != nil {
		return i.fail(m, err)
	}
	p, err := in.QueryPosition(m.Origin)
	if err != nil {
		return i.reply(m, fmt.Sprintf("@%s: Sorry, you are not in the queue.", user))
	}
	switch p.Queue {
	case dispatch.PlacementActive:
		return i.reply(m, fmt.Sprintf("@%s: Your order is being prepared right now.", user))
	case dispatch.PlacementWaiting:
		return i.reply(m, fmt.Sprintf("@%s: You are number %d on the waiting list. Whisper me your confirmation number to join the queue.", user, p.Position))
	default:
		msg := fmt.Sprintf("@%s: You are in the queue. Position: %d.", user, p.Position)
		if p.ETA > 0 {
			msg += fmt.Sprintf(" Estimated wait: %s.", p.ETA.Round(time.Minute))
		}
		return i.reply(m, msg)
	}
}

func (i *Interpreter) remove(m Message) Result {
	user := m.Origin.Name()
	in, err := i.instance()
	if err != nil {
		return i.fail(m, err)
	}
	if _, err := in.CancelOrder(m.Origin); err != nil {
		if errors.Is(err, errors.NotFound) {
			return i.reply(m, fmt.Sprintf("@%s: Sorry, you are not in the queue.", user))
		}
		return i.fail(m, err)
	}
	return i.reply(m, fmt.Sprintf("@%s: Your order has been removed from the queue.", user))
}

func (i *Interpreter) admin(m Message, name, args string) Result {
	in, err := i.instance()
	if err != nil {
		return i.fail(m, err)
	}
	switch name {
	case "tcu":
		target := strings.TrimPrefix(strings.TrimSpace(args), "@")
		if target == "" {
			return i.reply(m, "You must specify a username.")
		}
		if _, err := in.CancelByUsername(m.Origin.FrontEnd, target); err != nil {
			return i.reply(m, fmt.Sprintf("%s is not in the queue.", target))
		}
		return i.reply(m, fmt.Sprintf("Removed @%s from the queue.", target))
	case "toggleorders":
		in.SetAccepting(!in.Accepting())
		if in.Accepting() {
			return i.reply(m, "I am now accepting orders!")
		}
		return i.reply(m, "I am no longer accepting orders!")
	case "toggleinject":
		in.SetInjectionAllowed(!in.InjectionAllowed())
		if in.InjectionAllowed() {
			return i.reply(m, "Villager injection is now enabled!")
		}
		return i.reply(m, "Villager injection is now disabled!")
	default:
		n := in.ClearAll()
		return i.reply(m, fmt.Sprintf("Cleared %d orders from the queue.", n))
	}
}

// inject handles "iv [index] name[, name...]". The index defaults to 0 and
// wraps modulo the slot count across the batch.
func (i *Interpreter) inject(ctx context.Context, m Message, args string) Result {
	user := m.Origin.Name()
	parts := strings.SplitN(args, " ", 2)
	if args == "" || len(parts) == 0 {
		return i.channel(m, fmt.Sprintf("@%s - You must specify at least a villager.", user))
	}
	index := 0
	rest := args
	if n, err := strconv.Atoi(parts[0]); err == nil {
		if len(parts) == 1 || strings.TrimSpace(parts[1]) == "" {
			return i.channel(m, fmt.Sprintf("@%s - You must specify the villager name after the index.", user))
		}
		index = n
		rest = parts[1]
	}
	names := strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ' ' })
	if len(names) == 0 {
		return i.channel(m, fmt.Sprintf("@%s - No villager names provided.", user))
	}

	payloads := make([]queue.InjectionPayload, 0, len(names))
	note := ""
	for _, n := range names {
		v, err := i.catalog.Resolve(n)
		if err != nil {
			return i.fail(m, err)
		}
		if v.Unadoptable {
			note = catalog.UnadoptableNote
		}
		payloads = append(payloads, queue.InjectionPayload{Identity: v.Key, DisplayName: v.Name})
	}

	res := Result{}
	if in, ok := i.registry.Instance(i.cfg.Island); ok {
		reqs, err := in.SubmitInjections(m.Origin, index, payloads)
		res.Requests = reqs
		if err != nil {
			return i.withRequests(i.fail(m, err), reqs)
		}
	} else {
		if index < 0 || index >= queue.DefaultSlotCount {
			return i.fail(m, errors.Invalid.Explain("%d is not a valid villager index.", index))
		}
		slots := queue.Slots(index, len(payloads), queue.DefaultSlotCount)
		for k, p := range payloads {
			p.Slot = slots[k]
			if _, err := i.registry.Inject(ctx, i.cfg.Island, m.Origin, p); err != nil {
				return i.fail(m, err)
			}
		}
	}

	what := "Villager inject request has"
	if len(payloads) > 1 {
		what = fmt.Sprintf("Villager inject request for %d villagers has", len(payloads))
	}
	res.Replies = append(res.Replies, Outgoing{Dest: ToChannel, Channel: m.Origin.Channel,
		Text: fmt.Sprintf("@%s - %s been added to the queue and will be injected momentarily.%s", user, what, note)})
	return res
}

func (i *Interpreter) withRequests(r Result, reqs []*queue.Request) Result {
	r.Requests = reqs
	return r
}

func (i *Interpreter) expand(tpl, user string) string {
	queued := 0
	if in, ok := i.registry.Instance(i.cfg.Island); ok {
		queued = in.Stats().Queued
	}
	return strings.NewReplacer(
		"{user}", user,
		"{island}", strconv.Itoa(i.cfg.Island),
		"{queue}", strconv.Itoa(queued),
	).Replace(tpl)
}

// reply answers on the channel the command came from; whispered commands
// are answered by whisper.
func (i *Interpreter) reply(m Message, text string) Result {
	if m.Whisper {
		return Result{Replies: []Outgoing{{Dest: ToWhisper, User: m.Origin.Username, Text: text}}}
	}
	return i.channel(m, text)
}

func (i *Interpreter) channel(m Message, text string) Result {
	return Result{Replies: []Outgoing{{Dest: ToChannel, Channel: m.Origin.Channel, Text: i.sanitize(text)}}}
}

func (i *Interpreter) fail(m Message, err error) Result {
	msg := errors.Message(err)
	if !strings.HasPrefix(msg, "@") {
		msg = fmt.Sprintf("@%s - %s", m.Origin.Name(), msg)
	}
	if errors.KindOf(err) == "" {
		i.logger.Error("unexpected command failure", zap.String("user", m.Origin.Identity()), zap.Error(err))
		msg = fmt.Sprintf("@%s - something went wrong, please try again.", m.Origin.Name())
	}
	return i.reply(m, msg)
}

// sanitize strips markup that chat clients or the web view would render.
func (i *Interpreter) sanitize(s string) string {
	return html.UnescapeString(i.policy.Sanitize(s))
}
