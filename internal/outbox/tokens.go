package outbox

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/metrics"
	"github.com/lalithlochan/roadsync/internal/push"
)

const (
	profileTokenField  = "fcmToken"
	profileTokensField = "fcmTokens"
)

// localToken returns the token cached on the user row, or "" when it is unset or malformed.
func localToken(user *db.User) string {
	if user.FCMToken == nil {
		return ""
	}
	t := strings.TrimSpace(*user.FCMToken)
	if !push.ValidToken(t) {
		return ""
	}
	return t
}

// profileTokens collects the profile document's fcmToken and fcmTokens, skipping exclude.
// Duplicates and malformed tokens are dropped.
func (s *Service) profileTokens(user *db.User, profile map[string]any, exclude string) []string {
	var candidates []string
	if t, ok := profile[profileTokenField].(string); ok {
		candidates = append(candidates, t)
	}
	switch arr := profile[profileTokensField].(type) {
	case []any:
		for _, v := range arr {
			if t, ok := v.(string); ok {
				candidates = append(candidates, t)
			}
		}
	case []string:
		candidates = append(candidates, arr...)
	}

	seen := map[string]struct{}{exclude: {}}
	tokens := make([]string, 0, len(candidates))
	for _, c := range candidates {
		t := strings.TrimSpace(c)
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if !push.ValidToken(t) {
			s.logger.Debug("dropping malformed push token", zap.Int64("user_id", user.ID))
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// loadProfile reads the user's profile document. A missing or unreadable profile only
// means fewer tokens.
func (s *Service) loadProfile(ctx context.Context, profileID string) map[string]any {
	doc, err := s.store.Get(ctx, docstore.CollectionUsers, profileID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.logger.Warn("failed to read user profile for push tokens",
				zap.String("profile_id", profileID),
				zap.Error(err),
			)
		}
		return nil
	}
	return doc
}

// pushToDevices sends to the locally cached token. The profile document's tokens are
// used only when there is no usable local token or the provider rejected it.
func (s *Service) pushToDevices(ctx context.Context, row *db.OutboxRow, user *db.User, profileID string) {
	data := pushData(row.Data)

	local := localToken(user)
	if local != "" {
		err := s.sendPush(ctx, row, user, local, data)
		if !errors.Is(err, push.ErrTokenUnregistered) {
			return
		}
	}

	profile := s.loadProfile(ctx, profileID)
	if local != "" {
		s.purgeToken(ctx, user, profileID, profile, local)
	}

	for _, token := range s.profileTokens(user, profile, local) {
		if err := s.sendPush(ctx, row, user, token, data); errors.Is(err, push.ErrTokenUnregistered) {
			s.purgeToken(ctx, user, profileID, profile, token)
		}
	}
}

// sendPush sends one message; failures other than an unregistered token are only logged.
func (s *Service) sendPush(ctx context.Context, row *db.OutboxRow, user *db.User, token string, data map[string]string) error {
	err := s.gateway.Send(ctx, push.Message{
		Token: token,
		Title: row.Title,
		Body:  row.Body,
		Data:  data,
	})
	if err != nil && !errors.Is(err, push.ErrTokenUnregistered) {
		s.logger.Warn("push failed",
			zap.Int64("outbox_id", row.ID),
			zap.Int64("user_id", user.ID),
			zap.Error(err),
		)
	}
	return err
}

// purgeToken forgets a token the provider rejected, wherever it is stored.
func (s *Service) purgeToken(ctx context.Context, user *db.User, profileID string, profile map[string]any, token string) {
	log := s.logger.With(zap.Int64("user_id", user.ID), zap.String("profile_id", profileID))
	metrics.RecordTokenPurged()

	if user.FCMToken != nil && strings.TrimSpace(*user.FCMToken) == token {
		if _, err := s.repo.ClearUserPushToken(ctx, user.ID, *user.FCMToken); err != nil {
			log.Warn("failed to clear cached push token", zap.Error(err))
		}
	}

	if t, ok := profile[profileTokenField].(string); ok && strings.TrimSpace(t) == token {
		if err := s.store.SetMerge(ctx, docstore.CollectionUsers, profileID, map[string]any{profileTokenField: nil}); err != nil {
			log.Warn("failed to clear profile push token", zap.Error(err))
		}
	}

	if _, ok := profile[profileTokensField]; ok {
		if err := s.store.RemoveFromArray(ctx, docstore.CollectionUsers, profileID, profileTokensField, token); err != nil {
			log.Warn("failed to remove profile push token", zap.Error(err))
		}
	}

	log.Info("unregistered push token purged")
}
