package integration_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestSupplementWorkflows(t *testing.T) {
	env := setupIntegrationEnv(t)

	now := time.Now().UnixNano()
	ownerEmail := fmt.Sprintf("supp-owner-%d@example.com", now)
	ownerPassword := "Owner#Password1"
	env.createUser(ownerEmail, ownerPassword, "owner")

	ownerTokenDeviceA := env.login(ownerEmail, ownerPassword, "supp-device-a")
	ownerTokenDeviceB := env.login(ownerEmail, ownerPassword, "supp-device-b")
	adminToken := env.adminToken

	t.Run("AccountRequestApprovalCreatesLoginCapableUser", func(t *testing.T) {
		applicantEmail := fmt.Sprintf("applicant-%d@example.com", now)

		status, _, _, reqResp := env.doJSON(http.MethodPost, "/v1/account-requests", "", map[string]any{
			"email":         applicantEmail,
			"fullName":      "Pat Applicant",
			"justification": "joining the metabolomics group",
		})
		if status != http.StatusCreated {
			t.Fatalf("create account request failed: status=%d body=%v", status, reqResp)
		}
		request := asMap(t, reqResp)
		requestID := getString(t, request, "requestId")
		if got := getString(t, request, "status"); got != "pending" {
			t.Fatalf("expected pending account request, got %q", got)
		}

		tempPassword := "Temp#Password9"
		status, _, _, approveResp := env.doJSON(http.MethodPost, "/v1/account-requests/"+requestID+"/approve", adminToken, map[string]any{
			"role":              "owner",
			"temporaryPassword": tempPassword,
		})
		if status != http.StatusOK {
			t.Fatalf("approve account request failed: status=%d body=%v", status, approveResp)
		}
		if got := getString(t, asMap(t, approveResp), "status"); got != "approved" {
			t.Fatalf("expected approved account request, got %q", got)
		}

		status, _, _, loginResp := env.doJSON(http.MethodPost, "/v1/auth/login", "", map[string]any{
			"email":      applicantEmail,
			"password":   tempPassword,
			"deviceName": "applicant-device",
		})
		if status != http.StatusOK {
			t.Fatalf("approved applicant login failed: status=%d body=%v", status, loginResp)
		}
		login := asMap(t, loginResp)
		if !getBool(t, login, "mustChangePassword") {
			t.Fatal("expected temporary credential to require a password change")
		}

		applicantToken := getString(t, login, "accessToken")
		applicantID := getString(t, login, "userId")
		status, _, _, changeResp := env.doJSON(http.MethodPost, "/v1/users/"+applicantID+"/change-password", applicantToken, map[string]any{
			"currentPassword": tempPassword,
			"newPassword":     "Fresh#Password2",
		})
		if status != http.StatusNoContent {
			t.Fatalf("change password failed: status=%d body=%v", status, changeResp)
		}

		status, _, _, reloginResp := env.doJSON(http.MethodPost, "/v1/auth/login", "", map[string]any{
			"email":      applicantEmail,
			"password":   "Fresh#Password2",
			"deviceName": "applicant-device",
		})
		if status != http.StatusOK {
			t.Fatalf("relogin with new password failed: status=%d body=%v", status, reloginResp)
		}
		if getBool(t, asMap(t, reloginResp), "mustChangePassword") {
			t.Fatal("password change should clear the must-change flag")
		}
	})

	t.Run("DeviationsAppearInForensicExport", func(t *testing.T) {
		exp := env.createExperiment(ownerTokenDeviceA, "Deviation export", "buffer prep per protocol")
		experimentID := getString(t, exp, "experimentId")

		status, _, _, devResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/deviations", ownerTokenDeviceA, map[string]any{
			"deviationType":    "unplanned",
			"description":      "pH probe drifted mid-run",
			"impact":           "readings after 14:00 suspect",
			"correctiveAction": "probe recalibrated, run repeated",
		})
		if status != http.StatusCreated {
			t.Fatalf("record deviation failed: status=%d body=%v", status, devResp)
		}
		deviationID := getString(t, asMap(t, devResp), "deviationId")

		status, _, _, completeResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/complete", ownerTokenDeviceA, map[string]any{})
		if status != http.StatusOK {
			t.Fatalf("complete experiment failed: status=%d body=%v", status, completeResp)
		}

		status, _, _, exportResp := env.doJSON(http.MethodGet, "/v1/ops/forensic/export?experimentId="+experimentID, adminToken, nil)
		if status != http.StatusOK {
			t.Fatalf("forensic export failed: status=%d body=%v", status, exportResp)
		}
		export := asMap(t, exportResp)

		found := false
		for _, raw := range asSlice(t, export["deviations"]) {
			row := asMap(t, raw)
			if fmt.Sprintf("%v", row["deviation_id"]) == deviationID {
				found = true
			}
		}
		if !found {
			t.Fatalf("deviation %s missing from forensic export: %v", deviationID, export["deviations"])
		}
		if len(asSlice(t, export["auditEvents"])) == 0 {
			t.Fatal("forensic export should carry the experiment's audit trail")
		}
	})

	t.Run("TemplateInstantiationYieldsDraft", func(t *testing.T) {
		bodyTemplate := "## Purpose\n\n## Materials\n\n## Procedure\n"
		status, _, _, tmplResp := env.doJSON(http.MethodPost, "/v1/templates", ownerTokenDeviceA, map[string]any{
			"title":        "Western blot template",
			"description":  "standard blot layout",
			"bodyTemplate": bodyTemplate,
			"tags":         []string{"blot", "protein"},
		})
		if status != http.StatusCreated {
			t.Fatalf("create template failed: status=%d body=%v", status, tmplResp)
		}
		templateID := getString(t, asMap(t, tmplResp), "templateId")

		status, _, _, instResp := env.doJSON(http.MethodPost, "/v1/experiments/from-template", ownerTokenDeviceA, map[string]any{
			"templateId": templateID,
			"title":      "Blot run 42",
		})
		if status != http.StatusCreated {
			t.Fatalf("create from template failed: status=%d body=%v", status, instResp)
		}
		inst := asMap(t, instResp)
		experimentID := getString(t, inst, "experimentId")
		originalEntryID := getString(t, inst, "originalEntryId")
		if got := getString(t, inst, "status"); got != "draft" {
			t.Fatalf("instantiated experiment should be a draft, got %q", got)
		}

		status, _, _, getResp := env.doJSON(http.MethodGet, "/v1/experiments/"+experimentID, ownerTokenDeviceA, nil)
		if status != http.StatusOK {
			t.Fatalf("get instantiated experiment failed: status=%d body=%v", status, getResp)
		}
		effective := asMap(t, getResp)
		if got := getString(t, effective, "effectiveBody"); got != bodyTemplate {
			t.Fatalf("effective body should equal the template body, got %q", got)
		}

		status, _, _, histResp := env.doJSON(http.MethodGet, "/v1/experiments/"+experimentID+"/history", ownerTokenDeviceA, nil)
		if status != http.StatusOK {
			t.Fatalf("get history failed: status=%d body=%v", status, histResp)
		}
		entries := asSlice(t, asMap(t, histResp)["entries"])
		if len(entries) != 1 || getString(t, asMap(t, entries[0]), "entryType") != "original" {
			t.Fatalf("instantiated draft should have one original entry, got %v", entries)
		}

		// The draft behaves like any other: addendums chain off the original.
		status, _, _, addResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/addendums", ownerTokenDeviceA, map[string]any{
			"baseEntryId": originalEntryID,
			"body":        bodyTemplate + "\nGel loaded at 09:10.",
		})
		if status != http.StatusCreated {
			t.Fatalf("addendum on instantiated draft failed: status=%d body=%v", status, addResp)
		}
	})

	t.Run("SearchRespectsRoleVisibility", func(t *testing.T) {
		token := fmt.Sprintf("zirconium%d", now)
		exp := env.createExperiment(ownerTokenDeviceA, "Assay of "+token, "baseline body")
		experimentID := getString(t, exp, "experimentId")

		status, _, _, ownResp := env.doJSON(http.MethodGet, "/v1/search?q="+token, ownerTokenDeviceA, nil)
		if status != http.StatusOK {
			t.Fatalf("owner search failed: status=%d body=%v", status, ownResp)
		}
		if !searchHits(t, ownResp, experimentID) {
			t.Fatalf("owner should find own draft by title, got %v", ownResp)
		}

		status, _, _, adminResp := env.doJSON(http.MethodGet, "/v1/search?q="+token, adminToken, nil)
		if status != http.StatusOK {
			t.Fatalf("admin search failed: status=%d body=%v", status, adminResp)
		}
		if searchHits(t, adminResp, experimentID) {
			t.Fatal("admin search must not surface another user's draft")
		}

		status, _, _, completeResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/complete", ownerTokenDeviceA, map[string]any{})
		if status != http.StatusOK {
			t.Fatalf("complete experiment failed: status=%d body=%v", status, completeResp)
		}

		status, _, _, adminResp = env.doJSON(http.MethodGet, "/v1/search?q="+token, adminToken, nil)
		if status != http.StatusOK {
			t.Fatalf("admin search after complete failed: status=%d body=%v", status, adminResp)
		}
		if !searchHits(t, adminResp, experimentID) {
			t.Fatalf("admin should find the completed experiment, got %v", adminResp)
		}
	})

	t.Run("ContentSearchIncludesSupersededEntries", func(t *testing.T) {
		token := fmt.Sprintf("hafnium%d", now)
		exp := env.createExperiment(ownerTokenDeviceA, "Content search", "original body")
		experimentID := getString(t, exp, "experimentId")
		originalEntryID := getString(t, exp, "originalEntryId")

		status, _, _, add1Resp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/addendums", ownerTokenDeviceA, map[string]any{
			"baseEntryId": originalEntryID,
			"body":        "observed " + token + " contamination",
		})
		if status != http.StatusCreated {
			t.Fatalf("addendum v2 failed: status=%d body=%v", status, add1Resp)
		}
		entryV2 := getString(t, asMap(t, add1Resp), "entryId")

		// v3 supersedes the entry holding the token.
		status, _, _, add2Resp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/addendums", ownerTokenDeviceA, map[string]any{
			"baseEntryId": entryV2,
			"body":        "contamination ruled out after rerun",
		})
		if status != http.StatusCreated {
			t.Fatalf("addendum v3 failed: status=%d body=%v", status, add2Resp)
		}

		status, _, _, contentResp := env.doJSON(http.MethodGet, "/v1/search/content?q="+token, ownerTokenDeviceA, nil)
		if status != http.StatusOK {
			t.Fatalf("content search failed: status=%d body=%v", status, contentResp)
		}
		results := asSlice(t, asMap(t, contentResp)["results"])
		found := false
		for _, raw := range results {
			if getString(t, asMap(t, raw), "experimentId") == experimentID {
				found = true
			}
		}
		if !found {
			t.Fatalf("content search should hit superseded entries, got %v", results)
		}
	})

	t.Run("NotificationsForConflictAndComment", func(t *testing.T) {
		exp := env.createExperiment(ownerTokenDeviceA, "Notification flow", "shared base")
		experimentID := getString(t, exp, "experimentId")
		originalEntryID := getString(t, exp, "originalEntryId")

		status, _, _, addResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/addendums", ownerTokenDeviceA, map[string]any{
			"baseEntryId": originalEntryID,
			"body":        "device-a wins the race",
		})
		if status != http.StatusCreated {
			t.Fatalf("device-a addendum failed: status=%d body=%v", status, addResp)
		}

		status, _, _, staleResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/addendums", ownerTokenDeviceB, map[string]any{
			"baseEntryId": originalEntryID,
			"body":        "device-b offline edit",
		})
		if status != http.StatusConflict {
			t.Fatalf("expected stale-base conflict, got status=%d body=%v", status, staleResp)
		}
		conflictArtifactID := getString(t, asMap(t, staleResp), "conflictArtifactId")

		conflictNotif := env.findNotification(t, ownerTokenDeviceA, "conflict.stale_addendum", conflictArtifactID)
		if conflictNotif == nil {
			t.Fatalf("owner should be notified about conflict artifact %s", conflictArtifactID)
		}
		if conflictNotif["readAt"] != nil {
			t.Fatalf("fresh notification should be unread, got %v", conflictNotif)
		}

		status, _, _, completeResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/complete", ownerTokenDeviceA, map[string]any{})
		if status != http.StatusOK {
			t.Fatalf("complete experiment failed: status=%d body=%v", status, completeResp)
		}

		status, _, _, commentResp := env.doJSON(http.MethodPost, "/v1/experiments/"+experimentID+"/comments", adminToken, map[string]any{
			"body": "reviewed, conflict artifact acknowledged",
		})
		if status != http.StatusCreated {
			t.Fatalf("admin comment failed: status=%d body=%v", status, commentResp)
		}
		commentID := getString(t, asMap(t, commentResp), "commentId")

		if env.findNotification(t, ownerTokenDeviceA, "comment.created", commentID) == nil {
			t.Fatalf("owner should be notified about admin comment %s", commentID)
		}

		notifID := getString(t, conflictNotif, "notificationId")
		status, _, _, readResp := env.doJSON(http.MethodPost, "/v1/notifications/"+notifID+"/read", ownerTokenDeviceA, nil)
		if status != http.StatusNoContent {
			t.Fatalf("mark notification read failed: status=%d body=%v", status, readResp)
		}
		if env.findUnreadNotification(t, ownerTokenDeviceA, "conflict.stale_addendum", conflictArtifactID) != nil {
			t.Fatal("read notification should drop out of the unread listing")
		}

		status, _, _, readAllResp := env.doJSON(http.MethodPost, "/v1/notifications/read-all", ownerTokenDeviceA, nil)
		if status != http.StatusNoContent {
			t.Fatalf("mark all read failed: status=%d body=%v", status, readAllResp)
		}
		status, _, _, unreadResp := env.doJSON(http.MethodGet, "/v1/notifications?unreadOnly=true", ownerTokenDeviceA, nil)
		if status != http.StatusOK {
			t.Fatalf("list unread notifications failed: status=%d body=%v", status, unreadResp)
		}
		if n := len(asSlice(t, asMap(t, unreadResp)["notifications"])); n != 0 {
			t.Fatalf("expected empty unread inbox after read-all, got %d", n)
		}
	})
}

func searchHits(t *testing.T, resp any, experimentID string) bool {
	t.Helper()
	for _, raw := range asSlice(t, asMap(t, resp)["experiments"]) {
		if getString(t, asMap(t, raw), "experimentId") == experimentID {
			return true
		}
	}
	return false
}

func (e *testEnv) findNotification(t *testing.T, token, eventType, referenceID string) map[string]any {
	t.Helper()
	return e.findNotificationIn(t, token, "/v1/notifications?limit=200", eventType, referenceID)
}

func (e *testEnv) findUnreadNotification(t *testing.T, token, eventType, referenceID string) map[string]any {
	t.Helper()
	return e.findNotificationIn(t, token, "/v1/notifications?unreadOnly=true&limit=200", eventType, referenceID)
}

func (e *testEnv) findNotificationIn(t *testing.T, token, path, eventType, referenceID string) map[string]any {
	t.Helper()
	status, _, _, resp := e.doJSON(http.MethodGet, path, token, nil)
	if status != http.StatusOK {
		t.Fatalf("list notifications failed: status=%d body=%v", status, resp)
	}
	for _, raw := range asSlice(t, asMap(t, resp)["notifications"]) {
		n := asMap(t, raw)
		if n["eventType"] == eventType && n["referenceId"] == referenceID {
			return n
		}
	}
	return nil
}
