package services

import (
	"context"
	"encoding/hex"

	"go.uber.org/zap"

	"spheresync/core"
)

// StateService wraps a single wallet's provider for the HTTP API.
type StateService struct {
	provider *core.Provider
	logger   *zap.SugaredLogger
}

// NewService builds the provider, sets its identity and initializes it.
func NewService(secretHex string, opts core.Options) (*StateService, error) {
	logger := zap.L().Sugar()

	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, err
	}
	p := core.NewProvider(opts)
	if err := p.SetWalletSecret(secret); err != nil {
		return nil, err
	}
	if res := p.Initialize(context.Background()); !res.Success {
		logger.Errorf("provider initialize failed: %s", res.Error)
		return nil, core.Errf(core.KindNetworkError, "%s", res.Error)
	}
	p.On(func(ev core.Event) {
		if ev.Type == core.EventError || ev.Type == core.EventSyncError {
			logger.Warnf("engine event %s: %v", ev.Type, ev.Err)
		}
	})
	logger.Infof("state service ready for %s", p.IpnsName())
	return &StateService{provider: p, logger: logger}, nil
}

func (s *StateService) Save(doc core.TxfData) core.SaveResult {
	return s.provider.Save(doc)
}

func (s *StateService) Load(ctx context.Context, cid string) core.LoadResult {
	return s.provider.Load(ctx, cid)
}

func (s *StateService) Sync(ctx context.Context, doc core.TxfData) core.SyncResult {
	return s.provider.Sync(ctx, doc)
}

func (s *StateService) Exists(ctx context.Context) (bool, error) {
	return s.provider.Exists(ctx)
}

func (s *StateService) Clear(ctx context.Context) core.OpResult {
	return s.provider.Clear(ctx)
}

// Status reports name, lifecycle state and gateway health.
func (s *StateService) Status(ctx context.Context) map[string]any {
	healthy := s.provider.Gateway().FindHealthy(ctx)
	gateways := make([]string, 0, len(healthy))
	for _, h := range healthy {
		gateways = append(gateways, h.Gateway)
	}
	return map[string]any{
		"name":            s.provider.IpnsName(),
		"state":           s.provider.State(),
		"healthyGateways": gateways,
	}
}

// Shutdown drains pending writes.
func (s *StateService) Shutdown(ctx context.Context) {
	s.provider.Shutdown(ctx)
	s.logger.Info("state service stopped")
}
