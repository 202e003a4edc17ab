package compute

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc/metadata"
)

// Call metadata keys used between the coordinator and the agent.
const (
	MetadataAgentToken = "x-agent-token"
	MetadataTimestamp  = "x-agent-timestamp"
	MetadataSignature  = "x-agent-signature"
	MetadataRequestID  = "x-request-id"
)

// DefaultMaxClockSkew bounds how old a signed call may be.
const DefaultMaxClockSkew = 5 * time.Minute

// SignCall returns outgoing metadata that authenticates a call to method
// carrying req. The signature covers the method, a timestamp and a digest
// of the JSON encoded request.
func SignCall(method string, req interface{}, token string, now time.Time) (metadata.MD, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request for signing: %w", err)
	}
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	return metadata.Pairs(
		MetadataAgentToken, token,
		MetadataTimestamp, ts,
		MetadataSignature, signPayload(method, ts, body, token),
	), nil
}

// VerifyCall checks the signature that SignCall attached to an incoming call.
func VerifyCall(ctx context.Context, method string, req interface{}, token string, now time.Time, maxSkew time.Duration) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("missing call metadata")
	}
	if first(md, MetadataAgentToken) != token {
		return fmt.Errorf("invalid agent token")
	}

	tsRaw := first(md, MetadataTimestamp)
	if tsRaw == "" {
		return fmt.Errorf("missing %s", MetadataTimestamp)
	}
	timestamp, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", MetadataTimestamp, err)
	}
	skew := now.UTC().Sub(time.Unix(timestamp, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("call timestamp outside allowed skew")
	}

	gotSig := first(md, MetadataSignature)
	if gotSig == "" {
		return fmt.Errorf("missing %s", MetadataSignature)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request for verification: %w", err)
	}
	if !hmac.Equal([]byte(gotSig), []byte(signPayload(method, tsRaw, body, token))) {
		return fmt.Errorf("invalid call signature")
	}
	return nil
}

func signPayload(method, ts string, body []byte, token string) string {
	bodyDigest := sha256.Sum256(body)
	payload := method + "\n" + ts + "\n" + hex.EncodeToString(bodyDigest[:])

	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func first(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
