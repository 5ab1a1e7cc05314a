package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
)

// ArchiveService exports room transcripts and call audit manifests to object
// storage. Exports are encrypted with a key derived from the room passphrase,
// so the bucket never holds plaintext conversation content.
type ArchiveService struct {
	client *minio.Client
	bucket string
	crypto *EncryptionGateway
}

func NewArchiveService(client *minio.Client, bucket string, crypto *EncryptionGateway) *ArchiveService {
	return &ArchiveService{client: client, bucket: bucket, crypto: crypto}
}

type transcriptEnvelope struct {
	RoomID     string       `json:"room_id"`
	ExportedBy string       `json:"exported_by"`
	ExportedAt time.Time    `json:"exported_at"`
	Salt       string       `json:"salt"`
	Blob       string       `json:"blob"`
	Count      int          `json:"count"`
	Checksum   string       `json:"checksum"`
	Room       *domain.Room `json:"room,omitempty"`
}

// ExportTranscript encrypts the message set under a key derived from the
// passphrase and stores the envelope at transcripts/<roomID>/<timestamp>.json.
// Returns the object key.
func (a *ArchiveService) ExportTranscript(ctx context.Context, room *domain.Room, messages []domain.Message, exportedBy, passphrase string) (string, error) {
	if a == nil || a.client == nil {
		return "", fmt.Errorf("archive storage not configured")
	}
	plaintext, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}
	gw, err := NewEncryptionGatewayFromKey(key)
	if err != nil {
		return "", err
	}
	blob, err := gw.Encrypt(plaintext)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	envelope := transcriptEnvelope{
		RoomID:     room.ID,
		ExportedBy: exportedBy,
		ExportedAt: now,
		Salt:       hex.EncodeToString(salt),
		Blob:       blob,
		Count:      len(messages),
		Checksum:   a.crypto.KeyedHash(plaintext),
		Room:       room,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}

	objectKey := fmt.Sprintf("transcripts/%s/%s.json", room.ID, now.Format("20060102T150405Z"))
	_, err = a.client.PutObject(ctx, a.bucket, objectKey, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		commonlog.Errorf("event=archive action=export status=failed room_id=%s error=%v", room.ID, err)
		return "", fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	commonlog.Infof("event=archive action=export status=ok room_id=%s object=%s count=%d", room.ID, objectKey, len(messages))
	return objectKey, nil
}

// ImportTranscript fetches an exported envelope and decrypts it with the same
// passphrase. A wrong passphrase or tampered blob surfaces as ErrIntegrity.
func (a *ArchiveService) ImportTranscript(ctx context.Context, objectKey, passphrase string) ([]domain.Message, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("archive storage not configured")
	}
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	var envelope transcriptEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", domain.ErrIntegrity)
	}
	salt, err := hex.DecodeString(envelope.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed salt", domain.ErrIntegrity)
	}
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	gw, err := NewEncryptionGatewayFromKey(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gw.Decrypt(envelope.Blob)
	if err != nil {
		return nil, err
	}
	if !a.crypto.VerifyKeyedHash(plaintext, envelope.Checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch", domain.ErrIntegrity)
	}
	var messages []domain.Message
	if err := json.Unmarshal(plaintext, &messages); err != nil {
		return nil, fmt.Errorf("%w: malformed transcript", domain.ErrIntegrity)
	}
	return messages, nil
}

// ArchiveCallAudit writes a recording audit manifest for an ended call at
// call-audit/<callID>.json. Manifests carry only metadata, never media.
func (a *ArchiveService) ArchiveCallAudit(ctx context.Context, session domain.CallSession) error {
	if a == nil || a.client == nil {
		return nil
	}
	if len(session.Recordings) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"call_id":     session.ID,
		"initiator":   session.InitiatorID,
		"target":      session.TargetID,
		"call_type":   session.Type,
		"recordings":  session.Recordings,
		"duration_ms": session.DurationMS,
		"ended_at":    session.EndedAt,
	})
	if err != nil {
		return err
	}
	objectKey := fmt.Sprintf("call-audit/%s.json", session.ID)
	_, err = a.client.PutObject(ctx, a.bucket, objectKey, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		commonlog.Errorf("event=archive action=call_audit status=failed call_id=%s error=%v", session.ID, err)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	commonlog.Infof("event=archive action=call_audit status=ok call_id=%s object=%s", session.ID, objectKey)
	return nil
}
