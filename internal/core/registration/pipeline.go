package registration

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Strata/internal/core/accesses"
	"Strata/internal/core/apierrors"
	"Strata/internal/core/events"
	"Strata/internal/core/register"
	"Strata/internal/core/sessions"
	"Strata/internal/core/systemstreams"
	"Strata/internal/core/users"
	"Strata/internal/notify"
)

// Request is what a client submits to create a user. Fields holds the
// account attribute values keyed by unprefixed account stream id (email,
// language, custom operator streams).
type Request struct {
	Username        string                 `json:"username"`
	Password        string                 `json:"password"`
	AppID           string                 `json:"appId"`
	InvitationToken string                 `json:"invitationToken,omitempty"`
	Referer         string                 `json:"referer,omitempty"`
	Fields          map[string]interface{} `json:"-"`
}

// Result is the successful outcome: the personal token doubles as the
// session id.
type Result struct {
	Username    string `json:"username"`
	APIEndpoint string `json:"apiEndpoint"`
	Token       string `json:"token"`
}

// Pipeline runs the staged registration flow. Each stage may leave a
// rollback behind; a later failure unwinds them in reverse order.
type Pipeline struct {
	cat         *systemstreams.Catalogue
	registry    register.Registry
	index       users.Index
	accounts    users.Service
	credentials users.AccountStorage
	events      events.Repository
	accesses    accesses.Repository
	sessions    *sessions.Manager
	stores      StoreDropper
	mailer      Mailer
	notifier    notify.Notifier

	dnsLess   bool
	apiDomain string
	now       func() float64
	log       zerolog.Logger
}

// Config wires the pipeline.
type Config struct {
	Catalogue   *systemstreams.Catalogue
	Registry    register.Registry
	Index       users.Index
	Accounts    users.Service
	Credentials users.AccountStorage
	Events      events.Repository
	Accesses    accesses.Repository
	Sessions    *sessions.Manager
	Stores      StoreDropper
	Mailer      Mailer
	Notifier    notify.Notifier

	// DNSLess skips the register-side validation stage; uniqueness is then
	// enforced by the local registry at create time.
	DNSLess bool
	// APIDomain builds the per-user endpoint ("https://<username>.<domain>/").
	APIDomain string
	// Now overrides the clock in tests.
	Now func() float64
}

// NewPipeline creates the registration pipeline.
func NewPipeline(cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.Mailer == nil {
		cfg.Mailer = NopMailer{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = systemstreams.Now
	}
	return &Pipeline{
		cat:         cfg.Catalogue,
		registry:    cfg.Registry,
		index:       cfg.Index,
		accounts:    cfg.Accounts,
		credentials: cfg.Credentials,
		events:      cfg.Events,
		accesses:    cfg.Accesses,
		sessions:    cfg.Sessions,
		stores:      cfg.Stores,
		mailer:      cfg.Mailer,
		notifier:    cfg.Notifier,
		dnsLess:     cfg.DNSLess,
		apiDomain:   cfg.APIDomain,
		now:         cfg.Now,
		log:         log.With().Str("component", "registration").Logger(),
	}
}

// state is threaded through the stages of one registration.
type state struct {
	req    *Request
	userID string
	token  string
}

type rollbackFn func(context.Context)

// stage is one step of the flow; on success it may return a rollback to
// run if a later stage fails.
type stage struct {
	name string
	run  func(ctx context.Context, st *state) (rollbackFn, error)
}

// Register runs the full staged flow.
func (p *Pipeline) Register(ctx context.Context, req *Request) (*Result, error) {
	st := &state{req: req}
	stages := []stage{
		{"validate-params", p.validateParams},
		{"prepare-defaults", p.prepareDefaults},
		{"register-validate", p.registerValidate},
		{"pre-clean", p.preClean},
		{"create-local", p.createLocal},
		{"register-create", p.registerCreate},
		{"register-confirm", p.registerConfirm},
		{"welcome-mail", p.welcomeMail},
	}

	var rollbacks []rollbackFn
	for _, s := range stages {
		rollback, err := s.run(ctx, st)
		if rollback != nil {
			rollbacks = append(rollbacks, rollback)
		}
		if err != nil {
			p.log.Warn().Err(err).
				Str("stage", s.name).Str("username", req.Username).
				Msg("registration failed; rolling back")
			for i := len(rollbacks) - 1; i >= 0; i-- {
				rollbacks[i](ctx)
			}
			return nil, err
		}
	}

	p.notifier.AccountChanged(ctx, req.Username)
	return &Result{
		Username:    req.Username,
		APIEndpoint: p.endpoint(req.Username),
		Token:       st.token,
	}, nil
}

func (p *Pipeline) validateParams(ctx context.Context, st *state) (rollbackFn, error) {
	req := st.req
	req.Username = users.NormalizeUsername(req.Username)
	if err := users.ValidateUsername(req.Username); err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidParametersFormat, err.Error(), err)
	}
	if req.Password == "" {
		return nil, apierrors.New(apierrors.InvalidParametersFormat, "password is required")
	}
	if req.AppID == "" {
		return nil, apierrors.New(apierrors.InvalidParametersFormat, "appId is required")
	}
	if req.Fields == nil {
		req.Fields = make(map[string]interface{})
	}

	for _, s := range p.cat.RegistrationStreams() {
		if s.ID == systemstreams.UsernameStream {
			// Validated above; it arrives as a top-level parameter.
			continue
		}
		key := systemstreams.WithoutPrefix(s.ID)
		value, present := req.Fields[key]
		if !present {
			if s.IsRequiredInValidation {
				return nil, apierrors.New(apierrors.InvalidParametersFormat,
					fmt.Sprintf("missing required field %q", key))
			}
			continue
		}
		if s.RegexValidation != "" {
			str, ok := value.(string)
			if !ok {
				return nil, apierrors.New(apierrors.InvalidParametersFormat,
					fmt.Sprintf("field %q must be a string", key))
			}
			re, err := regexp.Compile(s.RegexValidation)
			if err != nil {
				return nil, apierrors.Unexpected("", err)
			}
			if !re.MatchString(str) {
				return nil, apierrors.New(apierrors.InvalidParametersFormat,
					fmt.Sprintf("field %q does not match the expected format", key))
			}
		}
	}
	return nil, nil
}

func (p *Pipeline) prepareDefaults(ctx context.Context, st *state) (rollbackFn, error) {
	req := st.req
	if req.InvitationToken == "" {
		req.InvitationToken = "no-token"
	}
	for _, s := range p.cat.RegistrationStreams() {
		key := systemstreams.WithoutPrefix(s.ID)
		if _, present := req.Fields[key]; present {
			continue
		}
		if s.Default != nil {
			req.Fields[key] = s.Default
		}
	}
	req.Fields["appId"] = req.AppID
	req.Fields["invitationToken"] = req.InvitationToken
	if req.Referer != "" {
		req.Fields["referer"] = req.Referer
	}
	return nil, nil
}

func (p *Pipeline) registerValidate(ctx context.Context, st *state) (rollbackFn, error) {
	if p.dnsLess {
		return nil, nil
	}
	err := p.registry.ValidateUser(ctx, register.ValidateRequest{
		Username:        st.req.Username,
		InvitationToken: st.req.InvitationToken,
		UniqueFields:    p.uniqueFields(st.req),
	})
	return nil, p.translateRegisterError(err)
}

// preClean handles the orphan left by a crash between local create and
// register create: the local user exists, the register never saw it. It
// only ever runs after register-side validation has vouched that the
// username is free cluster-wide; without that proof (DNS-less mode) an
// existing local user is simply taken.
func (p *Pipeline) preClean(ctx context.Context, st *state) (rollbackFn, error) {
	exists, err := p.index.Exists(ctx, st.req.Username)
	if err != nil {
		return nil, apierrors.Unexpected("", err)
	}
	if !exists {
		return nil, nil
	}
	if p.dnsLess {
		return nil, apierrors.AlreadyExists(map[string]interface{}{
			"username": st.req.Username,
		})
	}
	p.log.Warn().Str("username", st.req.Username).
		Msg("orphaned local user found; pre-cleaning before re-registration")
	if err := p.registry.DeleteUser(ctx, st.req.Username, true); err != nil {
		p.log.Warn().Err(err).Str("username", st.req.Username).
			Msg("failed to pre-clean register shadow")
	}
	if err := p.deleteLocal(ctx, st.req.Username); err != nil {
		return nil, apierrors.Unexpected("", err)
	}
	return nil, nil
}

func (p *Pipeline) createLocal(ctx context.Context, st *state) (rollbackFn, error) {
	req := st.req
	st.userID = uuid.NewString()

	rollback := func(ctx context.Context) {
		if err := p.deleteLocal(ctx, req.Username); err != nil {
			p.log.Error().Err(err).Str("username", req.Username).
				Msg("rollback of local user failed")
		}
	}

	if err := p.index.Add(ctx, req.Username, st.userID); err != nil {
		if err == users.ErrUsernameTaken {
			return nil, apierrors.AlreadyExists(map[string]interface{}{"username": req.Username})
		}
		return nil, apierrors.Unexpected("", err)
	}

	now := p.now()
	create := func(streamID string, content interface{}, unique bool) error {
		streamIDs := []string{streamID, systemstreams.ActiveMarker}
		if unique {
			streamIDs = append(streamIDs, systemstreams.UniqueMarker)
		}
		s, err := p.cat.Get(streamID)
		if err != nil {
			return err
		}
		return p.events.Create(ctx, st.userID, &events.Event{
			ID:         uuid.NewString(),
			StreamIDs:  streamIDs,
			Type:       s.Type,
			Content:    content,
			Time:       now,
			Created:    now,
			CreatedBy:  "system",
			Modified:   now,
			ModifiedBy: "system",
		})
	}

	// Username first: it anchors the account even though it is also the
	// index key.
	if err := create(systemstreams.UsernameStream, req.Username, true); err != nil {
		return rollback, apierrors.Unexpected("", err)
	}
	for _, s := range p.cat.RegistrationStreams() {
		if s.ID == systemstreams.UsernameStream {
			continue
		}
		key := systemstreams.WithoutPrefix(s.ID)
		value, present := req.Fields[key]
		if !present {
			continue
		}
		if err := create(s.ID, value, s.IsUnique); err != nil {
			return rollback, apierrors.Unexpected("", err)
		}
	}

	if err := p.accounts.SetPassword(ctx, st.userID, req.Password, "system"); err != nil {
		if apierrors.As(err) != nil {
			return rollback, err
		}
		return rollback, apierrors.Wrap(apierrors.InvalidParametersFormat, "invalid password", err)
	}

	session, err := p.sessions.Open(ctx, req.Username, req.AppID)
	if err != nil {
		return rollback, apierrors.Unexpected("", err)
	}
	st.token = session.Token

	if err := p.accesses.Create(ctx, st.userID, &accesses.Access{
		ID:         uuid.NewString(),
		Token:      session.Token,
		Type:       accesses.TypePersonal,
		Name:       req.AppID,
		Created:    now,
		CreatedBy:  "system",
		Modified:   now,
		ModifiedBy: "system",
	}); err != nil {
		return rollback, apierrors.Unexpected("", err)
	}
	return rollback, nil
}

func (p *Pipeline) registerCreate(ctx context.Context, st *state) (rollbackFn, error) {
	err := p.registry.CreateUser(ctx, register.UpdateRequest{
		Username: st.req.Username,
		User:     p.indexedFields(st, true),
	})
	return nil, p.translateRegisterError(err)
}

// registerConfirm re-sends every indexed field flagged creation:true; the
// register uses it to finalize the entry.
func (p *Pipeline) registerConfirm(ctx context.Context, st *state) (rollbackFn, error) {
	err := p.registry.UpdateUser(ctx, register.UpdateRequest{
		Username: st.req.Username,
		User:     p.indexedFields(st, true),
	})
	return nil, p.translateRegisterError(err)
}

func (p *Pipeline) welcomeMail(ctx context.Context, st *state) (rollbackFn, error) {
	email, _ := st.req.Fields["email"].(string)
	language, _ := st.req.Fields["language"].(string)
	if err := p.mailer.SendWelcome(ctx, st.req.Username, email, language); err != nil {
		p.log.Warn().Err(err).Str("username", st.req.Username).
			Msg("failed to send welcome mail")
	}
	return nil, nil
}

// DeleteUser removes every trace of a user: events, credentials, index
// row, sessions, then the register-side shadow.
func (p *Pipeline) DeleteUser(ctx context.Context, username string) error {
	if err := p.deleteLocal(ctx, username); err != nil {
		if err == users.ErrUserNotFound {
			return apierrors.New(apierrors.UnknownResource,
				fmt.Sprintf("unknown user %q", username))
		}
		return apierrors.Unexpected("", err)
	}
	if err := p.registry.DeleteUser(ctx, username, true); err != nil {
		// Local deletion stands; the register shadow is cleaned up on the
		// next registration of the same username.
		p.log.Warn().Err(err).Str("username", username).
			Msg("failed to delete register shadow")
	}
	p.notifier.UserDeleted(ctx, username)
	return nil
}

func (p *Pipeline) deleteLocal(ctx context.Context, username string) error {
	userID, err := p.index.GetUserID(ctx, username)
	if err != nil {
		return err
	}
	if err := p.stores.Remove(userID); err != nil {
		return fmt.Errorf("failed to drop user store: %w", err)
	}
	if err := p.credentials.ClearHistory(ctx, userID); err != nil {
		return err
	}
	if err := p.sessions.CloseAllFor(ctx, username); err != nil {
		return err
	}
	return p.index.Delete(ctx, username)
}

// uniqueFields collects the submitted values of unique account streams.
func (p *Pipeline) uniqueFields(req *Request) map[string]string {
	out := make(map[string]string)
	for _, field := range p.cat.UniqueIDs() {
		if field == "username" {
			continue
		}
		if s, ok := req.Fields[field].(string); ok {
			out[field] = s
		}
	}
	return out
}

// indexedFields builds the register wire payload from the request.
func (p *Pipeline) indexedFields(st *state, creation bool) map[string][]register.FieldValue {
	out := make(map[string][]register.FieldValue)
	for _, field := range p.cat.IndexedIDs() {
		var value interface{}
		if field == "username" {
			value = st.req.Username
		} else {
			v, present := st.req.Fields[field]
			if !present {
				continue
			}
			value = v
		}
		unique := false
		for _, u := range p.cat.UniqueIDs() {
			if u == field {
				unique = true
				break
			}
		}
		out[field] = []register.FieldValue{{
			Value:    value,
			IsUnique: unique,
			IsActive: true,
			Creation: creation,
		}}
	}
	return out
}

func (p *Pipeline) translateRegisterError(err error) error {
	switch e := err.(type) {
	case nil:
		return nil
	case *register.DuplicateFieldsError:
		data := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			data[k] = v
		}
		return apierrors.AlreadyExists(data)
	default:
		if err == register.ErrInvalidInvitation {
			return apierrors.New(apierrors.InvalidInvitationToken, "invalid invitation token")
		}
		return apierrors.Unexpected("", err)
	}
}

func (p *Pipeline) endpoint(username string) string {
	return fmt.Sprintf("https://%s.%s/", username, p.apiDomain)
}
