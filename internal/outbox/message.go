package outbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
)

var statusLabels = map[string]string{
	db.StatusActif:   "Nouveau",
	db.StatusEnCours: "En cours",
	db.StatusResolu:  "Résolu",
	db.StatusRejete:  "Rejeté",
}

func statusLabel(status string) string {
	if label, ok := statusLabels[db.NormalizeStatus(status)]; ok {
		return label
	}
	return strings.TrimSpace(status)
}

func composeMessage(s *db.Signalement, h *db.HistoryRow) (title, body string) {
	title = "Mise à jour de votre signalement"
	body = fmt.Sprintf("Votre signalement #%d est passé de « %s » à « %s ».",
		s.ID, statusLabel(h.PreviousStatus), statusLabel(h.NewStatus))
	return title, body
}

func notificationData(h *db.HistoryRow) map[string]any {
	return map[string]any{
		"type":           db.OutboxTypeStatusChanged,
		"signalement_id": strconv.FormatInt(h.SignalementID, 10),
		"history_id":     strconv.FormatInt(h.ID, 10),
		"ancien_statut":  h.PreviousStatus,
		"nouveau_statut": h.NewStatus,
	}
}

// pushData flattens row data to the string map push providers accept.
func pushData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func profileIDFor(u *db.User) string {
	if u.FirebaseUID != nil && strings.TrimSpace(*u.FirebaseUID) != "" {
		return *u.FirebaseUID
	}
	return fmt.Sprintf("pg_%d", u.ID)
}

func notificationDocID(rowID int64) string {
	return fmt.Sprintf("pg_%d", rowID)
}

func notificationDoc(row *db.OutboxRow) map[string]any {
	return map[string]any{
		"pg_notification_id": row.ID,
		"type":               row.Type,
		"title":              row.Title,
		"body":               row.Body,
		"data":               row.Data,
		"created_at":         docstore.ISOTime(row.CreatedAt),
		"source":             "pg",
	}
}
