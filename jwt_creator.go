package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const DefaultAttestationValidity = 24 * time.Hour

type AttestationConfig struct {
	PrivateKeyPath  string `json:"private_key_path"`
	Issuer          string `json:"issuer"`
	ValidityMinutes int    `json:"validity_minutes,omitempty"`
}

// AttendanceRecord is what a successful session attests to.
type AttendanceRecord struct {
	SessionId  string
	Latitude   float64
	Longitude  float64
	AccuracyM  float64
	DistanceM  float64
	Similarity float64
	VerifiedAt time.Time
}

type AttendanceLocation struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
	DistanceM float64 `json:"distance_m"`
}

type AttendanceClaims struct {
	jwt.RegisteredClaims
	Location   AttendanceLocation `json:"location"`
	Similarity float64            `json:"face_similarity"`
}

type JwtCreator interface {
	CreateAttendanceJwt(record AttendanceRecord) (jwt string, err error)
}

func NewAttestationJwtCreator(privateKeyPath string, issuer string, validity time.Duration) (*DefaultJwtCreator, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)

	if err != nil {
		return nil, err
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)

	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation key: %w", err)
	}

	if validity <= 0 {
		validity = DefaultAttestationValidity
	}

	return &DefaultJwtCreator{
		privateKey: privateKey,
		issuer:     issuer,
		validity:   validity,
	}, nil
}

type DefaultJwtCreator struct {
	privateKey *rsa.PrivateKey
	issuer     string
	validity   time.Duration
}

func (jc *DefaultJwtCreator) CreateAttendanceJwt(record AttendanceRecord) (string, error) {
	verifiedAt := record.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = time.Now()
	}

	claims := AttendanceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    jc.issuer,
			Subject:   record.SessionId,
			IssuedAt:  jwt.NewNumericDate(verifiedAt),
			NotBefore: jwt.NewNumericDate(verifiedAt),
			ExpiresAt: jwt.NewNumericDate(verifiedAt.Add(jc.validity)),
		},
		Location: AttendanceLocation{
			Latitude:  record.Latitude,
			Longitude: record.Longitude,
			AccuracyM: record.AccuracyM,
			DistanceM: record.DistanceM,
		},
		Similarity: record.Similarity,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(jc.privateKey)
}

func (jc *DefaultJwtCreator) PublicKey() *rsa.PublicKey {
	return &jc.privateKey.PublicKey
}

// PublicKeyPEM encodes the verification key as a PKIX "PUBLIC KEY" block,
// served on /api/attestation-key.
func (jc *DefaultJwtCreator) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(jc.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attestation public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
