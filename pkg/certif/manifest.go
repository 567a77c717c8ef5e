package certif

import (
	"context"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// ValidateWorkspaceManifest decrypts and validates a fetched workspace
// manifest. The workspace manifest always has the realm's id.
func (o *Ops) ValidateWorkspaceManifest(
	ctx context.Context,
	neededRealmTimestamp, neededCommonTimestamp types.DateTime,
	realmID types.RealmID, keyIndex types.IndexInt,
	author types.DeviceID, version types.VersionInt, timestamp types.DateTime,
	encrypted []byte,
) (*types.WorkspaceManifest, error) {
	manifest, err := o.validateManifest(ctx, neededRealmTimestamp, neededCommonTimestamp,
		realmID, realmID, keyIndex, author, version, timestamp, encrypted)
	if err != nil {
		return nil, err
	}
	workspace, ok := manifest.(*types.WorkspaceManifest)
	if !ok {
		return nil, o.invalidManifest(ManifestUnexpectedID, realmID, realmID, version, author, timestamp, keyIndex,
			fmt.Errorf("expected a workspace manifest, got %s", manifest.ManifestKind()))
	}
	return workspace, nil
}

// ValidateChildManifest decrypts and validates a fetched child (folder or
// file) manifest
func (o *Ops) ValidateChildManifest(
	ctx context.Context,
	neededRealmTimestamp, neededCommonTimestamp types.DateTime,
	realmID types.RealmID, vlobID types.VlobID, keyIndex types.IndexInt,
	author types.DeviceID, version types.VersionInt, timestamp types.DateTime,
	encrypted []byte,
) (types.ChildManifest, error) {
	manifest, err := o.validateManifest(ctx, neededRealmTimestamp, neededCommonTimestamp,
		realmID, vlobID, keyIndex, author, version, timestamp, encrypted)
	if err != nil {
		return types.ChildManifest{}, err
	}
	switch m := manifest.(type) {
	case *types.FolderManifest:
		return types.ChildManifest{Folder: m}, nil
	case *types.FileManifest:
		return types.ChildManifest{File: m}, nil
	default:
		return types.ChildManifest{}, o.invalidManifest(ManifestUnexpectedID, realmID, vlobID, version, author, timestamp, keyIndex,
			fmt.Errorf("expected a child manifest, got %s", manifest.ManifestKind()))
	}
}

func (o *Ops) validateManifest(
	ctx context.Context,
	neededRealmTimestamp, neededCommonTimestamp types.DateTime,
	realmID types.RealmID, vlobID types.VlobID, keyIndex types.IndexInt,
	author types.DeviceID, version types.VersionInt, timestamp types.DateTime,
	encrypted []byte,
) (types.AnyManifest, error) {
	// The server names the certificates the validation depends on; make sure
	// our log reaches them before anything else
	if err := o.EnsureCommonCertificatesUpTo(ctx, neededCommonTimestamp); err != nil {
		return nil, err
	}
	if err := o.EnsureRealmCertificatesUpTo(ctx, realmID, neededRealmTimestamp); err != nil {
		return nil, err
	}

	invalid := func(failure ManifestFailure, err error) error {
		return o.invalidManifest(failure, realmID, vlobID, version, author, timestamp, keyIndex, err)
	}

	// 1) Resolve the decryption key: it must exist, be valid, and its
	// rotation must predate the manifest
	keys, err := o.LoadLastRealmKeys(ctx, realmID)
	if err != nil {
		return nil, err
	}
	key, err := keys.KeyFromIndex(keyIndex, timestamp)
	if err != nil {
		switch {
		case errors.Is(err, ErrCorruptedKey):
			return nil, invalid(ManifestCorruptedKey, err)
		default:
			return nil, invalid(ManifestNonExistentKeyIndex, err)
		}
	}

	// 2) Decrypt, parse, then verify the author's signature
	manifest, signed, err := types.DecryptAndUnsecureLoadManifest(encrypted, key)
	if err != nil {
		return nil, invalid(ManifestCorrupted, err)
	}
	authorKey, err := o.store.GetDeviceVerifyKey(UpToTimestamp(timestamp), author)
	if err != nil {
		var tooRecent *ExistButTooRecentError
		if errors.Is(err, ErrNonExisting) || errors.As(err, &tooRecent) {
			return nil, invalid(ManifestNonExistentAuthor, err)
		}
		return nil, err
	}
	if _, err := authorKey.Verify(signed); err != nil {
		return nil, invalid(ManifestCorrupted, err)
	}

	// 3) Cross-check the vlob envelope against the manifest content
	if manifest.ManifestID() != vlobID {
		return nil, invalid(ManifestUnexpectedID,
			fmt.Errorf("manifest id %s does not match vlob id %s", manifest.ManifestID(), vlobID))
	}
	if manifest.ManifestVersion() != version {
		return nil, invalid(ManifestVersionMismatch,
			fmt.Errorf("manifest version %d does not match vlob version %d", manifest.ManifestVersion(), version))
	}
	if manifest.ManifestAuthor() != author {
		return nil, invalid(ManifestCorrupted,
			fmt.Errorf("manifest author %s does not match vlob author %s", manifest.ManifestAuthor(), author))
	}
	if manifest.ManifestTimestamp() != timestamp {
		return nil, invalid(ManifestTimestampMismatch,
			fmt.Errorf("manifest timestamp %s does not match vlob timestamp %s", manifest.ManifestTimestamp(), timestamp))
	}

	// 4) The author must have been revocation-free and allowed to write at
	// manifest time
	if revokedAt, err := o.store.GetUserRevokedAt(UpToTimestamp(timestamp), author.UserID()); err == nil && !revokedAt.IsZero() {
		return nil, invalid(ManifestRevokedAuthor, nil)
	}
	role, err := o.store.GetUserRealmRole(UpToTimestamp(timestamp), realmID, author.UserID())
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, invalid(ManifestAuthorNoAccessToRealm, nil)
	}
	if !role.CanWrite() {
		return nil, invalid(ManifestAuthorCannotWrite, nil)
	}

	return manifest, nil
}

func (o *Ops) invalidManifest(
	failure ManifestFailure,
	realmID types.RealmID, vlobID types.VlobID, version types.VersionInt,
	author types.DeviceID, timestamp types.DateTime, keyIndex types.IndexInt,
	err error,
) *InvalidManifestError {
	e := &InvalidManifestError{
		Failure:   failure,
		RealmID:   realmID,
		VlobID:    vlobID,
		Version:   version,
		Author:    author,
		Timestamp: timestamp,
		KeyIndex:  keyIndex,
		Err:       err,
	}
	o.logger.Warn().Err(e).Msg("Rejected manifest")
	return e
}
