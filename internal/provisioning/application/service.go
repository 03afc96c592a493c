package application

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"strings"
	"time"

	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/tr50"
)

const (
	ClientKeyLength   = 28
	DefaultClientName = "mowerlink"

	maxKeyAttempts   = 10
	keyRetryStep     = 100 * time.Millisecond
	robotClientSlots = 5
	clientThingDef   = "client"
	keyAlphabet      = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	ErrInvalidIMEI   = errors.New("provisioning: invalid imei")
	ErrAuthFailed    = errors.New("provisioning: auth failed")
	ErrCannotConnect = errors.New("provisioning: cannot connect")
	ErrIMEINotFound  = errors.New("provisioning: imei not found")
)

// DeviceAPI is the subset of the TR50 client used during setup.
type DeviceAPI interface {
	Authenticate(ctx context.Context, deviceID string, identity commands.ClientIdentity) (commands.Session, error)
	Exec(ctx context.Context, session commands.Session, command string, params map[string]any) (*tr50.Envelope, error)
}

// SetupRequest describes the mower to bind.
type SetupRequest struct {
	IMEI       string `json:"imei"`
	ClientName string `json:"client_name"`
}

// SetupResult holds the credentials to persist.
type SetupResult struct {
	IMEI       string `json:"imei"`
	ClientName string `json:"client_name"`
	ClientKey  string `json:"client_key"`
	BoundSlot  string `json:"bound_slot,omitempty"`
}

// Service provisions a client identity for one mower.
type Service struct {
	api    DeviceAPI
	logger *log.Logger
	keygen func() (string, error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService constructs a provisioning service.
func NewService(api DeviceAPI, logger *log.Logger) (*Service, error) {
	if api == nil {
		return nil, errors.New("provisioning: nil device api")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		api:    api,
		logger: logger,
		keygen: func() (string, error) { return GenerateClientKey(rand.Reader) },
		sleep:  sleepContext,
	}, nil
}

// GenerateClientKey returns a random lowercase alphanumeric client key.
func GenerateClientKey(src io.Reader) (string, error) {
	limit := big.NewInt(int64(len(keyAlphabet)))
	var b strings.Builder
	b.Grow(ClientKeyLength)
	for i := 0; i < ClientKeyLength; i++ {
		n, err := rand.Int(src, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(keyAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Setup generates a working client key, registers the client thing,
// validates the mower and binds the key to a robot_client slot.
func (s *Service) Setup(ctx context.Context, req SetupRequest) (*SetupResult, error) {
	imei := strings.TrimSpace(req.IMEI)
	if err := commands.ValidateDeviceID(imei); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIMEI, err)
	}
	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		name = DefaultClientName
	}

	identity, session, err := s.authenticate(ctx, imei, name)
	if err != nil {
		return nil, err
	}
	s.publishClientThing(ctx, session, identity)

	mower, err := s.findMower(ctx, session, imei)
	if err != nil {
		return nil, err
	}
	result := &SetupResult{IMEI: imei, ClientName: name, ClientKey: identity.Key}
	result.BoundSlot = s.bindRobotClient(ctx, session, imei, identity.Key, mower)
	return result, nil
}

func (s *Service) authenticate(ctx context.Context, imei, name string) (commands.ClientIdentity, commands.Session, error) {
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := s.keygen()
		if err != nil {
			return commands.ClientIdentity{}, commands.Session{}, err
		}
		identity := commands.ClientIdentity{Name: name, Key: key}
		session, err := s.api.Authenticate(ctx, imei, identity)
		if err == nil {
			return identity, session, nil
		}
		if commands.ClassificationOf(err) != commands.CredentialsInvalid {
			s.logger.Printf("provisioning: auth transport error: %v", err)
			return commands.ClientIdentity{}, commands.Session{}, fmt.Errorf("%w: %v", ErrCannotConnect, err)
		}
		s.logger.Printf("provisioning: auth attempt %d rejected generated key", attempt)
		if err := s.sleep(ctx, time.Duration(attempt)*keyRetryStep); err != nil {
			return commands.ClientIdentity{}, commands.Session{}, err
		}
	}
	return commands.ClientIdentity{}, commands.Session{}, fmt.Errorf("%w after %d keys", ErrAuthFailed, maxKeyAttempts)
}

// publishClientThing gives the client thing a readable name. Failures are
// logged and ignored.
func (s *Service) publishClientThing(ctx context.Context, session commands.Session, identity commands.ClientIdentity) {
	found, err := s.api.Exec(ctx, session, "thing.find", map[string]any{"key": identity.Key})
	if err == nil && hasThing(found) {
		_, err = s.api.Exec(ctx, session, "thing.update", map[string]any{"key": identity.Key, "name": identity.Name})
	} else {
		_, err = s.api.Exec(ctx, session, "thing.create", map[string]any{"defKey": clientThingDef, "key": identity.Key, "name": identity.Name})
	}
	if err != nil {
		s.logger.Printf("provisioning: client thing publish skipped: %v", err)
	}
}

type mowerThing struct {
	Attrs map[string]struct {
		Value string `json:"value"`
	} `json:"attrs"`
}

func (s *Service) findMower(ctx context.Context, session commands.Session, imei string) (*mowerThing, error) {
	env, err := s.api.Exec(ctx, session, "thing.find", map[string]any{"imei": imei})
	if err != nil {
		var ce *commands.ClassifiedError
		if errors.As(err, &ce) && ce.StatusCode == 200 {
			return nil, fmt.Errorf("%w: %s", ErrIMEINotFound, ce.Detail)
		}
		return nil, fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	if !hasThing(env) {
		return nil, fmt.Errorf("%w: %s", ErrIMEINotFound, imei)
	}
	var mower mowerThing
	if err := json.Unmarshal(env.Params, &mower); err != nil {
		s.logger.Printf("provisioning: decode mower attrs: %v", err)
	}
	return &mower, nil
}

// bindRobotClient publishes key into the first free or matching
// robot_clientN attribute. It returns the slot used, if any.
func (s *Service) bindRobotClient(ctx context.Context, session commands.Session, imei, key string, mower *mowerThing) string {
	slot := chooseSlot(mower, key)
	if slot == "" {
		s.logger.Printf("provisioning: no free robot_client slot on %s", imei)
		return ""
	}
	_, err := s.api.Exec(ctx, session, "attribute.publish", map[string]any{"thingKey": imei, "key": slot, "value": key})
	if err != nil {
		s.logger.Printf("provisioning: robot_client publish skipped: %v", err)
		return ""
	}
	return slot
}

func chooseSlot(mower *mowerThing, key string) string {
	for i := 1; i <= robotClientSlots; i++ {
		slot := fmt.Sprintf("robot_client%d", i)
		if mower == nil {
			return slot
		}
		attr, ok := mower.Attrs[slot]
		if !ok || attr.Value == key {
			return slot
		}
	}
	return ""
}

func hasThing(env *tr50.Envelope) bool {
	if env == nil {
		return false
	}
	p := strings.TrimSpace(string(env.Params))
	return p != "" && p != "null" && p != "{}"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
