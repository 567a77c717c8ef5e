package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

var (
	bucketCertificates    = []byte("certificates")
	bucketCertificatesIdx = []byte("certificates_idx")
)

// StoredCertificate is the on-disk record of one validated certificate
type StoredCertificate struct {
	Kind      types.CertificateKind `cbor:"kind"`
	Timestamp types.DateTime        `cbor:"timestamp"`
	// RealmID is set for realm-scoped certificates only
	RealmID *types.RealmID `cbor:"realm_id,omitempty"`
	// UserID / DeviceID are set when the certificate targets one
	UserID   types.UserID   `cbor:"user_id,omitempty"`
	DeviceID types.DeviceID `cbor:"device_id,omitempty"`
	// Blob is the signed serialized certificate, stored verbatim
	Blob []byte `cbor:"blob"`
}

// CertificateStore persists the append-only certificate log. Validation is
// not its job: the certif package validates before appending.
type CertificateStore struct {
	db *bolt.DB
}

// NewCertificateStore opens (or creates) the certificate database
func NewCertificateStore(dataDir string) (*CertificateStore, error) {
	dbPath := filepath.Join(dataDir, "certificates.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCertificates, bucketCertificatesIdx} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &CertificateStore{db: db}, nil
}

// Close closes the database
func (s *CertificateStore) Close() error {
	return s.db.Close()
}

// indexKey orders certificates by (kind, realm, timestamp, hash). Timestamps
// are encoded big-endian so byte order matches chronological order.
func indexKey(kind types.CertificateKind, realmID *types.RealmID, timestamp types.DateTime, hash []byte) []byte {
	var key bytes.Buffer
	key.WriteString(string(kind))
	key.WriteByte(0)
	if realmID != nil {
		key.Write(realmID[:])
	}
	key.WriteByte(0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	key.Write(ts[:])
	key.Write(hash)
	return key.Bytes()
}

func indexPrefix(kind types.CertificateKind, realmID *types.RealmID) []byte {
	var key bytes.Buffer
	key.WriteString(string(kind))
	key.WriteByte(0)
	if realmID != nil {
		key.Write(realmID[:])
	}
	key.WriteByte(0)
	return key.Bytes()
}

// AddCertificates appends a batch of validated certificates in one
// transaction
func (s *CertificateStore) AddCertificates(certs []StoredCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		main := tx.Bucket(bucketCertificates)
		idx := tx.Bucket(bucketCertificatesIdx)
		for _, cert := range certs {
			hash := crypto.HashData(cert.Blob)
			data, err := types.DumpCBOR(&cert)
			if err != nil {
				return fmt.Errorf("failed to serialize certificate record: %w", err)
			}
			if err := main.Put(hash, data); err != nil {
				return err
			}
			if err := idx.Put(indexKey(cert.Kind, cert.RealmID, cert.Timestamp, hash), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCertificates returns the stored certificates of one kind (and realm, for
// realm-scoped kinds), sorted by timestamp ascending. A zero upTo means no
// bound; otherwise only certificates with timestamp <= upTo are returned.
func (s *CertificateStore) GetCertificates(kind types.CertificateKind, realmID *types.RealmID, upTo types.DateTime) ([]StoredCertificate, error) {
	var out []StoredCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		main := tx.Bucket(bucketCertificates)
		c := tx.Bucket(bucketCertificatesIdx).Cursor()
		prefix := indexPrefix(kind, realmID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[len(prefix):]
			if len(rest) < 8 {
				return fmt.Errorf("corrupted certificate index key")
			}
			timestamp := types.DateTime(binary.BigEndian.Uint64(rest[:8]))
			if !upTo.IsZero() && timestamp.After(upTo) {
				break
			}
			data := main.Get(rest[8:])
			if data == nil {
				return fmt.Errorf("certificate index points to missing record")
			}
			var cert StoredCertificate
			if err := types.LoadCBOR(data, &cert); err != nil {
				return fmt.Errorf("failed to parse certificate record: %w", err)
			}
			out = append(out, cert)
		}
		return nil
	})
	return out, err
}

// GetAllCertificates returns every stored certificate, sorted by timestamp
// ascending across all kinds (used to rebuild the in-memory view at startup)
func (s *CertificateStore) GetAllCertificates() ([]StoredCertificate, error) {
	var out []StoredCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert StoredCertificate
			if err := types.LoadCBOR(v, &cert); err != nil {
				return fmt.Errorf("failed to parse certificate record: %w", err)
			}
			out = append(out, cert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortStoredCertificates(out)
	return out, nil
}

// ForgetAllCertificates drops the whole log (used when the server log and the
// local one have diverged and a full re-fetch is needed)
func (s *CertificateStore) ForgetAllCertificates() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCertificates, bucketCertificatesIdx} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

func sortStoredCertificates(certs []StoredCertificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		return certs[i].Timestamp.Before(certs[j].Timestamp)
	})
}
