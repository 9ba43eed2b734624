package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// writeTestKey generates an RSA key and stores it PEM encoded in a temp dir.
func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "priv.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path, key
}

func testRecord() AttendanceRecord {
	return AttendanceRecord{
		SessionId:  "s12345",
		Latitude:   17.4400,
		Longitude:  78.3500,
		AccuracyM:  10,
		DistanceM:  55.5,
		Similarity: 1,
		VerifiedAt: time.Now(),
	}
}

func TestCreatingJwt(t *testing.T) {
	keyPath, _ := writeTestKey(t)

	jc, err := NewAttestationJwtCreator(keyPath, "attendance_verifier", time.Hour)
	require.NoError(t, err)

	createdjwt, err := jc.CreateAttendanceJwt(testRecord())
	if err != nil {
		t.Fatalf("failed to create jwt: %v", err)
	}

	if createdjwt == "" {
		t.Fatal("jwt is empty")
	}
}

func TestDecodeValidateJwt(t *testing.T) {
	keyPath, key := writeTestKey(t)

	jc, err := NewAttestationJwtCreator(keyPath, "attendance_verifier", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultAttestationValidity, jc.validity)

	tokenString, err := jc.CreateAttendanceJwt(testRecord())
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		require.Equal(t, jwt.SigningMethodRS256.Alg(), token.Method.Alg())
		return &key.PublicKey, nil
	}

	var claims AttendanceClaims
	parsedJWT, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
	require.NoError(t, err)
	require.True(t, parsedJWT.Valid)

	require.Equal(t, "attendance_verifier", claims.Issuer)
	require.Equal(t, "s12345", claims.Subject)
	require.NotEmpty(t, claims.ID)
	require.Equal(t, 17.44, claims.Location.Latitude)
	require.Equal(t, 55.5, claims.Location.DistanceM)
	require.Equal(t, 1.0, claims.Similarity)
}

func TestJwtIdsAreUnique(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	jc, err := NewAttestationJwtCreator(keyPath, "attendance_verifier", time.Hour)
	require.NoError(t, err)

	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		tokenString, err := jc.CreateAttendanceJwt(testRecord())
		require.NoError(t, err)

		var claims AttendanceClaims
		_, err = jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
			return jc.PublicKey(), nil
		})
		require.NoError(t, err)
		require.False(t, ids[claims.ID])
		ids[claims.ID] = true
	}
}

func TestExpiredJwtIsRejected(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	jc, err := NewAttestationJwtCreator(keyPath, "attendance_verifier", time.Minute)
	require.NoError(t, err)

	record := testRecord()
	record.VerifiedAt = time.Now().Add(-time.Hour)
	tokenString, err := jc.CreateAttendanceJwt(record)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(tokenString, &AttendanceClaims{}, func(*jwt.Token) (interface{}, error) {
		return jc.PublicKey(), nil
	})
	require.Error(t, err)
}

func TestNewAttestationJwtCreatorErrors(t *testing.T) {
	_, err := NewAttestationJwtCreator(filepath.Join(t.TempDir(), "missing.pem"), "x", 0)
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0o600))
	_, err = NewAttestationJwtCreator(bad, "x", 0)
	require.ErrorContains(t, err, "failed to parse attestation key")
}
