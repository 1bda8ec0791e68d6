package db

import (
	"strings"
	"testing"
)

func TestSchemaCoversEngineTables(t *testing.T) {
	for _, table := range []string{"notifications", "notification_delivery_log", "notification_settings"} {
		if !strings.Contains(Schema(), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("schema is missing table %s", table)
		}
	}
}

func TestStatementsReturnRecordColumnsInOrder(t *testing.T) {
	claim := statements["notif_claim_due"]
	want := "RETURNING n.id, n.recipient, n.employee_id"
	if !strings.Contains(claim, want) {
		t.Errorf("notif_claim_due does not return prefixed columns:\n%s", claim)
	}
	if strings.Count(claim, "n.") < strings.Count(recordColumns, ",")+1 {
		t.Error("notif_claim_due is missing record columns")
	}
}

func TestEveryStatementIsConditionalOnPending(t *testing.T) {
	for _, name := range []string{"notif_reschedule", "notif_mark_sent", "notif_mark_retry", "notif_mark_failed", "notif_mark_cancelled", "notif_supersede"} {
		if !strings.Contains(statements[name], "status = 'pending'") {
			t.Errorf("%s can modify a terminal record", name)
		}
	}
}
