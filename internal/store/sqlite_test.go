package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/Courier/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Job repo tests ---

func TestSQLiteStore_JobRepo_InsertAndGetAll(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now()
	records := []JobRecord{
		{ID: "job-2", FactoryKey: "PushTextSendJob", QueueKey: "conv-42", Data: []byte(`{"m":"2"}`), Constraints: []string{"network"},
			CreateTime: now, Lifespan: 24 * time.Hour, MaxAttempts: Unlimited, Persistent: true, Seq: 2},
		{ID: "job-1", FactoryKey: "PushTextSendJob", QueueKey: "conv-42", Data: []byte(`{"m":"1"}`),
			CreateTime: now, MaxAttempts: 5, DependsOn: []string{"job-0"}, Persistent: true, Seq: 1},
	}
	if err := s.InsertJobs(records); err != nil {
		t.Fatalf("InsertJobs failed: %v", err)
	}

	all, err := s.GetAllJobs()
	if err != nil {
		t.Fatalf("GetAllJobs failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(all))
	}
	if all[0].ID != "job-1" || all[1].ID != "job-2" {
		t.Errorf("Expected seq order job-1, job-2; got %s, %s", all[0].ID, all[1].ID)
	}

	first := all[0]
	if first.MaxAttempts != 5 || first.Lifespan != 0 || len(first.DependsOn) != 1 || first.DependsOn[0] != "job-0" {
		t.Errorf("Unexpected first record: %+v", first)
	}
	second := all[1]
	if second.MaxAttempts != Unlimited {
		t.Errorf("Expected unlimited attempts, got %d", second.MaxAttempts)
	}
	if second.Lifespan != 24*time.Hour {
		t.Errorf("Expected 24h lifespan, got %v", second.Lifespan)
	}
	if len(second.Constraints) != 1 || second.Constraints[0] != "network" {
		t.Errorf("Unexpected constraints: %v", second.Constraints)
	}
	if !bytes.Equal(second.Data, []byte(`{"m":"2"}`)) {
		t.Errorf("Unexpected data: %s", second.Data)
	}
	if !second.CreateTime.Equal(now) {
		t.Errorf("Expected create time %v, got %v", now, second.CreateTime)
	}
	if !second.RunAfter.IsZero() {
		t.Errorf("Expected zero run_after, got %v", second.RunAfter)
	}
}

func TestSQLiteStore_JobRepo_InsertIsAtomic(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.InsertJobs([]JobRecord{{ID: "dup", FactoryKey: "K", CreateTime: time.Now(), Seq: 1}}); err != nil {
		t.Fatalf("InsertJobs failed: %v", err)
	}
	chain := []JobRecord{
		{ID: "fresh", FactoryKey: "K", CreateTime: time.Now(), Seq: 2},
		{ID: "dup", FactoryKey: "K", CreateTime: time.Now(), Seq: 3},
	}
	if err := s.InsertJobs(chain); err == nil {
		t.Fatal("Expected error inserting duplicate ID")
	}
	got, err := s.GetJob("fresh")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got != nil {
		t.Error("Expected partial chain insert to be rolled back")
	}
}

func TestSQLiteStore_JobRepo_UpdateAttemptAndDelete(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.InsertJobs([]JobRecord{{ID: "job-1", FactoryKey: "K", CreateTime: time.Now(), MaxAttempts: 3, Seq: 1}}); err != nil {
		t.Fatalf("InsertJobs failed: %v", err)
	}
	runAfter := time.Now().Add(30 * time.Second)
	if err := s.UpdateJobAttempt("job-1", 2, runAfter); err != nil {
		t.Fatalf("UpdateJobAttempt failed: %v", err)
	}
	job, err := s.GetJob("job-1")
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.CurrentAttempt != 2 {
		t.Errorf("Expected attempt 2, got %d", job.CurrentAttempt)
	}
	if !job.RunAfter.Equal(runAfter) {
		t.Errorf("Expected run_after %v, got %v", runAfter, job.RunAfter)
	}

	if err := s.DeleteJobs("job-1", "never-existed"); err != nil {
		t.Fatalf("DeleteJobs failed: %v", err)
	}
	job, err = s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job != nil {
		t.Error("Expected job to be deleted")
	}
}

// --- Envelope repo tests ---

func TestSQLiteStore_EnvelopeRepo(t *testing.T) {
	s := newTestSQLiteStore(t)

	env := models.Envelope{ID: "env-1", Type: models.EnvelopeTypeCiphertext, Source: "+15550001", SourceDevice: 2,
		Timestamp: 1700000000000, ServerTimestamp: 1700000000500, Content: []byte{1, 2, 3}}
	isNew, err := s.InsertEnvelope(env)
	if err != nil {
		t.Fatalf("InsertEnvelope failed: %v", err)
	}
	if !isNew {
		t.Error("Expected first insert to be new")
	}
	isNew, err = s.InsertEnvelope(env)
	if err != nil {
		t.Fatalf("InsertEnvelope duplicate failed: %v", err)
	}
	if isNew {
		t.Error("Expected second insert to report existing envelope")
	}

	got, err := s.GetEnvelope("env-1")
	if err != nil || got == nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.Type != models.EnvelopeTypeCiphertext || got.SourceDevice != 2 || !bytes.Equal(got.Content, env.Content) {
		t.Errorf("Unexpected envelope: %+v", got)
	}

	ids, err := s.ListEnvelopeIDs()
	if err != nil {
		t.Fatalf("ListEnvelopeIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "env-1" {
		t.Errorf("Unexpected ids: %v", ids)
	}

	if err := s.DeleteEnvelope("env-1"); err != nil {
		t.Fatalf("DeleteEnvelope failed: %v", err)
	}
	if got, _ := s.GetEnvelope("env-1"); got != nil {
		t.Error("Expected envelope to be deleted")
	}
}

// --- Dedup repo tests ---

func TestSQLiteStore_DedupRepo_TwoPhase(t *testing.T) {
	s := newTestSQLiteStore(t)

	dup, err := s.IsDuplicate("env-1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("Expected false for unseen envelope")
	}

	isNew, err := s.RecordInbound("env-1", "+15550001")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !isNew {
		t.Error("Expected isNew=true for first record")
	}

	// Claimed but not finalized: a crash here must lead to reprocessing.
	dup, err = s.IsDuplicate("env-1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("Expected unfinalized envelope not to be a duplicate")
	}

	isNew, err = s.RecordInbound("env-1", "+15550001")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew {
		t.Error("Expected isNew=false for second record")
	}

	if err := s.MarkProcessed("env-1", "plaintext"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	dup, err = s.IsDuplicate("env-1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if !dup {
		t.Error("Expected finalized envelope to be a duplicate")
	}

	rec, err := s.GetDedupRecord("env-1")
	if err != nil || rec == nil {
		t.Fatalf("GetDedupRecord failed: %v", err)
	}
	if rec.Outcome != "plaintext" || rec.ProcessedAt == nil || rec.Source != "+15550001" {
		t.Errorf("Unexpected ledger row: %+v", rec)
	}
}

func TestSQLiteStore_DedupRepo_MarkProcessedWithoutRecord(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.MarkProcessed("env-2", "legacy"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	dup, err := s.IsDuplicate("env-2")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if !dup {
		t.Error("Expected envelope to be a duplicate")
	}
}

func TestSQLiteStore_DedupRepo_PruneProcessed(t *testing.T) {
	s := newTestSQLiteStore(t)

	s.RecordInbound("pending", "p")
	if err := s.MarkProcessed("done", "plaintext"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	n, err := s.PruneProcessed(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneProcessed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned row, got %d", n)
	}
	if rec, _ := s.GetDedupRecord("pending"); rec == nil {
		t.Error("Expected unfinalized row to survive pruning")
	}
}

// --- Message repo tests ---

func TestSQLiteStore_MessageRepo_InboundUniqueByEnvelope(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := &MessageRecord{EnvelopeID: "env-1", ThreadID: "+15550001", Peer: "+15550001", Type: MessageTypeText, Body: "hi"}
	inserted, err := s.InsertInbound(m)
	if err != nil {
		t.Fatalf("InsertInbound failed: %v", err)
	}
	if !inserted || m.ID == "" {
		t.Fatalf("Expected new row with ID, got inserted=%v id=%q", inserted, m.ID)
	}
	firstID := m.ID

	again := &MessageRecord{EnvelopeID: "env-1", ThreadID: "+15550001", Peer: "+15550001", Type: MessageTypeText, Body: "hi"}
	inserted, err = s.InsertInbound(again)
	if err != nil {
		t.Fatalf("InsertInbound duplicate failed: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate envelope not to insert")
	}
	if again.ID != firstID {
		t.Errorf("Expected existing ID %q, got %q", firstID, again.ID)
	}

	ok, err := s.MarkDuplicate("env-1")
	if err != nil || !ok {
		t.Fatalf("MarkDuplicate failed: %v %v", ok, err)
	}
	got, err := s.GetMessageByEnvelopeID("env-1")
	if err != nil || got == nil {
		t.Fatalf("GetMessageByEnvelopeID failed: %v", err)
	}
	if got.DuplicateCount != 1 || got.Status != MessageStatusReceived || got.Direction != DirectionInbound {
		t.Errorf("Unexpected message: %+v", got)
	}

	ok, err = s.MarkDuplicate("env-missing")
	if err != nil {
		t.Fatalf("MarkDuplicate failed: %v", err)
	}
	if ok {
		t.Error("Expected MarkDuplicate to report no row")
	}
}

func TestSQLiteStore_MessageRepo_InboundWithAttachments(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := &MessageRecord{EnvelopeID: "env-media", ThreadID: "+15550001", Peer: "+15550001", Type: MessageTypeMedia}
	atts := []AttachmentRecord{{RemoteKey: "att/1", FileName: "a.png"}, {RemoteKey: "att/2"}}
	inserted, err := s.InsertInboundWithAttachments(m, atts)
	if err != nil || !inserted {
		t.Fatalf("InsertInboundWithAttachments failed: inserted=%v err=%v", inserted, err)
	}
	if atts[0].ID == "" || atts[0].MessageID != m.ID {
		t.Errorf("Expected attachment to get an ID and the message ID, got %+v", atts[0])
	}
	rows, err := s.ListAttachments(m.ID)
	if err != nil {
		t.Fatalf("ListAttachments failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 attachments, got %d", len(rows))
	}

	again := &MessageRecord{EnvelopeID: "env-media", ThreadID: "+15550001", Peer: "+15550001", Type: MessageTypeMedia}
	inserted, err = s.InsertInboundWithAttachments(again, []AttachmentRecord{{RemoteKey: "att/3"}})
	if err != nil {
		t.Fatalf("InsertInboundWithAttachments duplicate failed: %v", err)
	}
	if inserted || again.ID != m.ID {
		t.Errorf("Expected existing row %q, got inserted=%v id=%q", m.ID, inserted, again.ID)
	}
	if rows, _ := s.ListAttachments(m.ID); len(rows) != 2 {
		t.Errorf("Expected duplicate insert to add no attachments, got %d", len(rows))
	}

	// A failing attachment insert rolls back the message row.
	broken := &MessageRecord{EnvelopeID: "env-broken", ThreadID: "+15550001", Peer: "+15550001", Type: MessageTypeMedia}
	if _, err := s.InsertInboundWithAttachments(broken, []AttachmentRecord{{ID: atts[0].ID, RemoteKey: "att/4"}}); err == nil {
		t.Fatal("Expected error reusing an attachment ID")
	}
	got, err := s.GetMessageByEnvelopeID("env-broken")
	if err != nil {
		t.Fatalf("GetMessageByEnvelopeID failed: %v", err)
	}
	if got != nil {
		t.Error("Expected message insert to be rolled back")
	}
}

func TestSQLiteStore_MessageRepo_PlaceholderReprocess(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := &MessageRecord{EnvelopeID: "env-9", ThreadID: "p", Peer: "p", Type: MessageTypeUntrustedIdentity,
		Ciphertext: []byte{9, 9}, EnvelopeType: int(models.EnvelopeTypeCiphertext)}
	if _, err := s.InsertInbound(m); err != nil {
		t.Fatalf("InsertInbound failed: %v", err)
	}
	list, err := s.ListMessagesByType(MessageTypeUntrustedIdentity)
	if err != nil {
		t.Fatalf("ListMessagesByType failed: %v", err)
	}
	if len(list) != 1 || !bytes.Equal(list[0].Ciphertext, []byte{9, 9}) {
		t.Fatalf("Unexpected placeholder list: %+v", list)
	}

	if err := s.UpdateMessageContent(m.ID, MessageTypeText, "recovered"); err != nil {
		t.Fatalf("UpdateMessageContent failed: %v", err)
	}
	got, _ := s.GetMessage(m.ID)
	if got.Type != MessageTypeText || got.Body != "recovered" || got.Ciphertext != nil {
		t.Errorf("Unexpected message after update: %+v", got)
	}
}

func TestSQLiteStore_MessageRepo_OutgoingStatus(t *testing.T) {
	s := newTestSQLiteStore(t)

	m := &MessageRecord{ThreadID: "+15550002", Peer: "+15550002", Type: MessageTypeText, Body: "hello"}
	if err := s.InsertOutgoing(m); err != nil {
		t.Fatalf("InsertOutgoing failed: %v", err)
	}
	if err := s.MarkSending(m.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}
	sentAt := time.Now()
	if err := s.MarkSent(m.ID, sentAt); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	// A late failure must not downgrade a sent message.
	if err := s.MarkFailed(m.ID); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	got, err := s.GetMessage(m.ID)
	if err != nil || got == nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Status != MessageStatusSent {
		t.Errorf("Expected status sent, got %s", got.Status)
	}
	if got.SentAt == nil || !got.SentAt.Equal(sentAt) {
		t.Errorf("Unexpected sent_at: %v", got.SentAt)
	}
	if got.EnvelopeID != "" {
		t.Errorf("Expected empty envelope id, got %q", got.EnvelopeID)
	}
}

func TestSQLiteStore_MessageRepo_ThreadListing(t *testing.T) {
	s := newTestSQLiteStore(t)

	base := time.Now().Add(-time.Hour)
	for i, body := range []string{"one", "two", "three"} {
		m := &MessageRecord{EnvelopeID: "env-" + body, ThreadID: "t", Peer: "p", Type: MessageTypeText, Body: body,
			CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if _, err := s.InsertInbound(m); err != nil {
			t.Fatalf("InsertInbound failed: %v", err)
		}
	}

	all, err := s.ListThreadMessages("t", 0)
	if err != nil {
		t.Fatalf("ListThreadMessages failed: %v", err)
	}
	if len(all) != 3 || all[0].Body != "one" || all[2].Body != "three" {
		t.Fatalf("Unexpected thread: %+v", all)
	}

	recent, err := s.ListThreadMessages("t", 2)
	if err != nil {
		t.Fatalf("ListThreadMessages limited failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Body != "two" || recent[1].Body != "three" {
		t.Fatalf("Expected the two newest messages in order, got %+v", recent)
	}

	latest, err := s.LatestInboundFrom("p")
	if err != nil || latest == nil {
		t.Fatalf("LatestInboundFrom failed: %v", err)
	}
	if latest.Body != "three" {
		t.Errorf("Expected latest body 'three', got %q", latest.Body)
	}
}

// --- Attachment repo tests ---

func TestSQLiteStore_AttachmentRepo(t *testing.T) {
	s := newTestSQLiteStore(t)

	up := &AttachmentRecord{MessageID: "msg-1", ContentType: "image/png", FileName: "a.png", Size: 42, LocalPath: "/tmp/a.png"}
	if err := s.InsertAttachment(up); err != nil {
		t.Fatalf("InsertAttachment failed: %v", err)
	}
	down := &AttachmentRecord{MessageID: "msg-2", ContentType: "image/jpeg", RemoteKey: "remote/b"}
	if err := s.InsertAttachment(down); err != nil {
		t.Fatalf("InsertAttachment failed: %v", err)
	}

	pending, err := s.ListPendingDownloads()
	if err != nil {
		t.Fatalf("ListPendingDownloads failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != down.ID {
		t.Fatalf("Unexpected pending downloads: %+v", pending)
	}

	if err := s.CompleteUpload(up.ID, "remote/a"); err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if err := s.CompleteDownload(down.ID, "/tmp/b.jpg"); err != nil {
		t.Fatalf("CompleteDownload failed: %v", err)
	}

	got, err := s.GetAttachment(up.ID)
	if err != nil || got == nil {
		t.Fatalf("GetAttachment failed: %v", err)
	}
	if got.RemoteKey != "remote/a" || got.State != TransferDone || got.Size != 42 {
		t.Errorf("Unexpected attachment: %+v", got)
	}

	if err := s.SetAttachmentState(down.ID, TransferFailed); err != nil {
		t.Fatalf("SetAttachmentState failed: %v", err)
	}
	list, err := s.ListAttachments("msg-2")
	if err != nil {
		t.Fatalf("ListAttachments failed: %v", err)
	}
	if len(list) != 1 || list[0].State != TransferFailed || list[0].LocalPath != "/tmp/b.jpg" {
		t.Errorf("Unexpected attachments: %+v", list)
	}

	if pending, _ := s.ListPendingDownloads(); len(pending) != 0 {
		t.Errorf("Expected no pending downloads, got %d", len(pending))
	}
}

// --- Group repo tests ---

func TestSQLiteStore_GroupRepo_RevisionOrdering(t *testing.T) {
	s := newTestSQLiteStore(t)

	applied, err := s.MergeGroup(GroupRecord{ID: "g1", Name: "Team", Members: []string{"a", "b"}, Revision: 2, Active: true})
	if err != nil || !applied {
		t.Fatalf("MergeGroup insert failed: %v %v", applied, err)
	}

	applied, err = s.MergeGroup(GroupRecord{ID: "g1", Name: "Old", Members: []string{"a"}, Revision: 1, Active: true})
	if err != nil {
		t.Fatalf("MergeGroup stale failed: %v", err)
	}
	if applied {
		t.Error("Expected stale revision to be ignored")
	}

	applied, err = s.MergeGroup(GroupRecord{ID: "g1", Name: "Team", Members: []string{"a", "b", "c"}, Revision: 3, Active: false})
	if err != nil || !applied {
		t.Fatalf("MergeGroup newer failed: %v %v", applied, err)
	}

	g, err := s.GetGroup("g1")
	if err != nil || g == nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g.Revision != 3 || len(g.Members) != 3 || g.Active || g.Name != "Team" {
		t.Errorf("Unexpected group: %+v", g)
	}

	if g, _ := s.GetGroup("missing"); g != nil {
		t.Error("Expected nil for unknown group")
	}
}

func TestSQLiteStore_RecipientRepo(t *testing.T) {
	s := newTestSQLiteStore(t)

	if got, err := s.ListRecipients("m1"); err != nil || len(got) != 0 {
		t.Fatalf("ListRecipients on empty = %v, %v", got, err)
	}
	if err := s.SetRecipientStatus("m1", "+2", RecipientFailed); err != nil {
		t.Fatalf("SetRecipientStatus failed: %v", err)
	}
	if err := s.SetRecipientStatus("m1", "+1", RecipientSent); err != nil {
		t.Fatalf("SetRecipientStatus failed: %v", err)
	}
	if err := s.SetRecipientStatus("m1", "+2", RecipientSent); err != nil {
		t.Fatalf("SetRecipientStatus update failed: %v", err)
	}
	if err := s.SetRecipientStatus("m2", "+1", RecipientFailed); err != nil {
		t.Fatalf("SetRecipientStatus failed: %v", err)
	}

	got, err := s.ListRecipients("m1")
	if err != nil {
		t.Fatalf("ListRecipients failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 recipients, got %+v", got)
	}
	if got[0].Recipient != "+1" || got[1].Recipient != "+2" {
		t.Errorf("Expected recipient order +1, +2; got %s, %s", got[0].Recipient, got[1].Recipient)
	}
	if got[1].Status != RecipientSent {
		t.Errorf("Expected upsert to replace status, got %s", got[1].Status)
	}
}

func TestSQLiteStore_KeyRepo(t *testing.T) {
	s := newTestSQLiteStore(t)

	if id, err := s.MaxPreKeyID(); err != nil || id != 0 {
		t.Fatalf("expected empty max id, got %d (%v)", id, err)
	}
	now := time.Now()
	if err := s.SavePreKeys([]KeyRow{{ID: 1, Record: []byte("k1"), CreatedAt: now}, {ID: 2, Record: []byte("k2"), CreatedAt: now}}); err != nil {
		t.Fatalf("SavePreKeys failed: %v", err)
	}
	if id, _ := s.MaxPreKeyID(); id != 2 {
		t.Errorf("expected max id 2, got %d", id)
	}
	if n, _ := s.CountPreKeys(); n != 2 {
		t.Errorf("expected 2 prekeys, got %d", n)
	}
	rec, err := s.LoadPreKey(2)
	if err != nil || !bytes.Equal(rec, []byte("k2")) {
		t.Errorf("unexpected prekey 2: %q (%v)", rec, err)
	}
	if err := s.RemovePreKey(2); err != nil {
		t.Fatalf("RemovePreKey failed: %v", err)
	}
	if rec, _ := s.LoadPreKey(2); rec != nil {
		t.Error("expected removed prekey to be absent")
	}

	if err := s.SaveSignedPreKey(KeyRow{ID: 7, Record: []byte("s7"), CreatedAt: now}); err != nil {
		t.Fatalf("SaveSignedPreKey failed: %v", err)
	}
	if err := s.SaveSignedPreKey(KeyRow{ID: 3, Record: []byte("s3"), CreatedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("SaveSignedPreKey failed: %v", err)
	}
	list, err := s.ListSignedPreKeys()
	if err != nil || len(list) != 2 || list[0].ID != 3 || list[1].ID != 7 {
		t.Fatalf("unexpected signed prekeys: %+v (%v)", list, err)
	}
	if err := s.RemoveSignedPreKey(3); err != nil {
		t.Fatalf("RemoveSignedPreKey failed: %v", err)
	}
	if rec, _ := s.LoadSignedPreKey(3); rec != nil {
		t.Error("expected removed signed prekey to be absent")
	}
	if rec, _ := s.LoadSignedPreKey(7); !bytes.Equal(rec, []byte("s7")) {
		t.Errorf("unexpected signed prekey 7: %q", rec)
	}
}
