package webhook

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/catalog"
	"github.com/Aidin1998/crossqueue/internal/dispatch"
	"github.com/Aidin1998/crossqueue/internal/frontend/chat"
	"github.com/Aidin1998/crossqueue/internal/history"
	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// relayCommand runs a chat command on behalf of an admin token holder and,
// when the command queued injections, waits for them to finish before
// answering. The token subject is the sender; it lives on this front-end so
// it can never act as a chat user.
func (s *Server) relayCommand(c *gin.Context) {
	if s.deps.Chat == nil {
		s.writeError(c, errors.Unavailable.Explain("command relay is disabled"))
		return
	}
	text := strings.TrimSpace(c.Query("cmd"))
	if text == "" {
		s.writeError(c, errors.Invalid.Explain("cmd is required"))
		return
	}
	origin := s.caller(c)
	origin.Channel = c.Query("channel")
	res := s.deps.Chat.Handle(c.Request.Context(), chat.Message{
		Origin:      origin,
		Text:        text,
		Broadcaster: c.GetBool(isAdminKey),
	})

	var pending []*queue.Request
	for _, r := range res.Requests {
		if r.Kind == queue.KindInjection {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		reply := res.Text()
		if reply == "" {
			reply = NoConfirmation
		}
		c.String(http.StatusOK, reply)
		return
	}

	texts, ok := s.await(c.Request.Context(), pending)
	if !ok {
		s.logger.Info("no confirmation for relayed command",
			zap.String("cmd", text),
			zap.Int("pending", len(pending)))
		c.String(http.StatusOK, NoConfirmation)
		return
	}
	c.String(http.StatusOK, s.rewrite(strings.Join(texts, " ")))
}

// await polls reqs until all are terminal, at most PollAttempts times.
func (s *Server) await(ctx context.Context, reqs []*queue.Request) ([]string, bool) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for attempt := 0; ; attempt++ {
		if texts, ok := results(reqs); ok {
			return texts, true
		}
		if attempt >= s.cfg.PollAttempts {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

func results(reqs []*queue.Request) ([]string, bool) {
	texts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		res, done := r.Result()
		if !done {
			return nil, false
		}
		texts = append(texts, res.Text)
	}
	return texts, true
}

func (s *Server) rewrite(text string) string {
	for _, rw := range s.cfg.Rewrites {
		if rw.From != "" {
			text = strings.ReplaceAll(text, rw.From, rw.To)
		}
	}
	return text
}

func (s *Server) island(c *gin.Context) (*dispatch.Instance, bool) {
	n, err := strconv.Atoi(c.Param("island"))
	if err != nil || n <= 0 {
		s.writeError(c, errors.Invalid.Explain("%q is not a valid island", c.Param("island")))
		return nil, false
	}
	in, ok := s.deps.Registry.Instance(n)
	if !ok {
		s.writeError(c, errors.UnknownResource.Explain("island %d is not served here", n))
		return nil, false
	}
	return in, true
}

// caller is the origin of the authenticated token holder.
func (s *Server) caller(c *gin.Context) queue.Origin {
	name := c.GetString(usernameKey)
	return queue.Origin{
		FrontEnd:    s.cfg.FrontEnd,
		UserID:      c.GetString(userIDKey),
		Username:    name,
		DisplayName: name,
	}
}

// bind decodes and validates a JSON body.
func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.writeError(c, errors.Invalid.Explain("malformed request body").Wrap(err))
		return false
	}
	if err := s.validator.Struct(dst); err != nil {
		s.writeError(c, errors.Invalid.Explain("%s", err.Error()))
		return false
	}
	return true
}

func (s *Server) listIslands(c *gin.Context) {
	stats := make([]dispatch.Stats, 0)
	for _, n := range s.deps.Registry.Islands() {
		if in, ok := s.deps.Registry.Instance(n); ok {
			stats = append(stats, in.Stats())
		}
	}
	c.JSON(http.StatusOK, gin.H{"islands": stats})
}

func (s *Server) islandStats(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, in.Stats())
}

type orderBody struct {
	Items    []string `json:"items" validate:"max=40,dive,required,max=100"`
	Villager string   `json:"villager" validate:"max=64"`
}

func (s *Server) submitOrder(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	var body orderBody
	if !s.bind(c, &body) {
		return
	}
	payload := queue.OrderPayload{Items: body.Items}
	if body.Villager != "" {
		v, err := s.deps.Catalog.Resolve(body.Villager)
		if err != nil {
			s.writeError(c, err)
			return
		}
		payload.Villager = v.Key
		payload.Catalog = true
	}
	req, pos, err := in.SubmitOrder(s.caller(c), payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"request_id": req.ID,
		"queue":      dispatch.PlacementWaiting,
		"position":   pos,
		"code":       req.Code,
	})
}

type confirmBody struct {
	Code   string `json:"code" validate:"required,numeric,max=12"`
}

func (s *Server) confirmOrder(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	var body confirmBody
	if !s.bind(c, &body) {
		return
	}
	req, pos, err := in.ConfirmOrder(s.caller(c), body.Code)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": req.ID,
		"queue":      dispatch.PlacementTrade,
		"position":   pos,
	})
}

func (s *Server) orderPosition(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	p, err := in.QueryPosition(s.caller(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":  p.Request.ID,
		"queue":       p.Queue,
		"position":    p.Position,
		"eta_seconds": int(p.ETA / time.Second),
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	req, err := in.CancelOrder(s.caller(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.ID, "state": req.State().String()})
}

type injectionBody struct {
	Villager string            `json:"villager" validate:"required,max=64"`
	Slot     *int              `json:"slot" validate:"omitempty,gte=0,lt=10"`
	Flags    map[string]string `json:"flags"`
}

// submitInjection queues or routes one injection. Islands served by another
// process need an explicit slot.
func (s *Server) submitInjection(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("island"))
	if err != nil || n <= 0 {
		s.writeError(c, errors.Invalid.Explain("%q is not a valid island", c.Param("island")))
		return
	}
	var body injectionBody
	if !s.bind(c, &body) {
		return
	}
	v, err := s.deps.Catalog.Resolve(body.Villager)
	if err != nil {
		s.writeError(c, err)
		return
	}
	slot := dispatch.AutoSlot
	if body.Slot != nil {
		slot = *body.Slot
	}
	out, err := s.deps.Registry.Inject(c.Request.Context(), n, s.caller(c), queue.InjectionPayload{
		Slot:        slot,
		Identity:    v.Key,
		DisplayName: v.Name,
		Flags:       body.Flags,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{"villager": v.Name, "identity": v.Key}
	if v.Unadoptable {
		resp["note"] = strings.TrimSpace(catalog.UnadoptableNote)
	}
	if out.Routed {
		resp["routed"] = true
		resp["addr"] = out.Ack.Addr
		resp["reply"] = out.Ack.Message
		c.JSON(http.StatusAccepted, resp)
		return
	}
	resp["request_id"] = out.Request.ID
	resp["slot"] = out.Request.Injection.Slot
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) recentHistory(c *gin.Context) {
	if s.deps.History == nil {
		s.writeError(c, errors.Unavailable.Explain("history is disabled"))
		return
	}
	var q history.Query
	var err error
	if v := c.Query("island"); v != "" {
		if q.Island, err = strconv.Atoi(v); err != nil {
			s.writeError(c, errors.Invalid.Explain("island must be a number"))
			return
		}
	}
	if v := c.Query("request_id"); v != "" {
		if q.RequestID, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.writeError(c, errors.Invalid.Explain("request_id must be a number"))
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			s.writeError(c, errors.Invalid.Explain("limit must be a number"))
			return
		}
	}
	records, err := s.deps.History.Recent(c.Request.Context(), q)
	if err != nil {
		s.writeError(c, errors.Unavailable.Explain("history store failed").Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) clearIsland(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	n := in.ClearAll()
	s.logger.Info("island cleared by admin",
		zap.Int("island", in.Island()),
		zap.Int("cleared", n),
		zap.String("by", c.GetString(userIDKey)))
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

type toggleBody struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) toggleAccepting(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	var body toggleBody
	if !s.bind(c, &body) {
		return
	}
	in.SetAccepting(*body.Enabled)
	c.JSON(http.StatusOK, gin.H{"accepting": in.Accepting()})
}

func (s *Server) toggleInjection(c *gin.Context) {
	in, ok := s.island(c)
	if !ok {
		return
	}
	var body toggleBody
	if !s.bind(c, &body) {
		return
	}
	in.SetInjectionAllowed(*body.Enabled)
	c.JSON(http.StatusOK, gin.H{"injection_allowed": in.InjectionAllowed()})
}
