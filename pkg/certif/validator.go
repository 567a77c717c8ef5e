package certif

import (
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-go/pkg/crypto"
	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

// validationContext accumulates the state of one batch validation. The store
// write lock is held for the whole batch: certificates reference each other
// (a device certificate's author is introduced by an earlier user
// certificate), so the batch must be applied as one unit, in timestamp order.
type validationContext struct {
	store     *Store
	rootKey   crypto.VerifyKey
	serverNow types.DateTime
	ballpark  BallparkConfig

	toPersist []storage.StoredCertificate
}

// BallparkConfig is the acceptable clock-skew window between client and
// server for timestamp-signed data
type BallparkConfig struct {
	// EarlyOffset / LateOffset are expressed in seconds, matching the wire
	// format of BadTimestamp responses
	EarlyOffset float64
	LateOffset  float64
}

// DefaultBallpark mirrors the server's default window
var DefaultBallpark = BallparkConfig{EarlyOffset: 300, LateOffset: 320}

// ValidateAndAddCertificates runs one fetched batch through the consistency
// rules and appends it to the store. scope batches must each be sorted by
// timestamp (the server guarantees it); on any failure nothing is appended.
func (o *Ops) ValidateAndAddCertificates(rep *CertificateBatch) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()

	ctx := &validationContext{
		store:     o.store,
		rootKey:   o.device.RootVerifyKey,
		serverNow: o.now(),
		ballpark:  o.ballpark,
	}

	// Realm certificates may depend on common ones (author devices), common
	// ones never depend on realm ones. Sequester/shamir come last.
	for _, signed := range rep.Common {
		if err := ctx.validateAndApply(signed, nil); err != nil {
			return err
		}
	}
	for realmID, batch := range rep.Realms {
		expectedRealm := realmID
		for _, signed := range batch {
			if err := ctx.validateAndApply(signed, &expectedRealm); err != nil {
				return err
			}
		}
	}
	for _, signed := range rep.Sequester {
		if err := ctx.validateAndApply(signed, nil); err != nil {
			return err
		}
	}
	for _, signed := range rep.Shamir {
		if err := ctx.validateAndApply(signed, nil); err != nil {
			return err
		}
	}

	if len(ctx.toPersist) == 0 {
		return nil
	}
	if err := o.store.persist.AddCertificates(ctx.toPersist); err != nil {
		return fmt.Errorf("failed to persist certificates: %w", err)
	}
	return nil
}

// CertificateBatch is one certificate_get response worth of new certificates
type CertificateBatch struct {
	Common    [][]byte
	Sequester [][]byte
	Shamir    [][]byte
	Realms    map[types.RealmID][][]byte
}

func (v *validationContext) validateAndApply(signed []byte, expectedRealm *types.RealmID) error {
	cert, err := types.UnsecureLoadCertificate(signed)
	if err != nil {
		metrics.CertificatesRejectedTotal.WithLabelValues(string(ReasonCorrupted)).Inc()
		return &InvalidCertificateError{Hint: fmt.Sprintf("%x", signed), Reason: ReasonCorrupted, Err: err}
	}

	if err := v.checkSignature(cert, signed); err != nil {
		return err
	}
	if err := v.checkAuthorExistsAndNotRevoked(cert); err != nil {
		return err
	}
	if err := v.checkTimestampMonotonic(cert); err != nil {
		return err
	}
	if err := v.checkBallpark(cert); err != nil {
		return err
	}
	if err := v.checkTypeSpecific(cert, expectedRealm); err != nil {
		return err
	}

	v.store.applyLocked(cert)
	if rotation, ok := cert.(*types.RealmKeyRotationCertificate); ok {
		v.store.invalidateRealmKeys(rotation.RealmID)
	}
	v.toPersist = append(v.toPersist, storedRecord(cert, signed))
	metrics.CertificatesValidatedTotal.WithLabelValues(string(cert.Kind())).Inc()
	return nil
}

func (v *validationContext) checkSignature(cert types.AnyCertificate, signed []byte) error {
	author := cert.Author()
	var key crypto.VerifyKey
	if author.IsRoot() {
		key = v.rootKey
	} else {
		deviceID, _ := author.Device()
		deviceCert, ok := v.store.devices[deviceID]
		if !ok {
			metrics.CertificatesRejectedTotal.WithLabelValues(string(ReasonNonExistingAuthor)).Inc()
			return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonNonExistingAuthor}
		}
		key = deviceCert.VerifyKey
	}
	if err := types.VerifyCertificateSignature(signed, key); err != nil {
		metrics.CertificatesRejectedTotal.WithLabelValues(string(ReasonSignatureMismatch)).Inc()
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonSignatureMismatch, Err: err}
	}
	return nil
}

func (v *validationContext) checkAuthorExistsAndNotRevoked(cert types.AnyCertificate) error {
	author := cert.Author()
	if author.IsRoot() {
		// Only the organization's very first certificates may be Root-signed
		switch cert.(type) {
		case *types.UserCertificate, *types.DeviceCertificate,
			*types.SequesterAuthorityCertificate, *types.SequesterServiceCertificate:
			return nil
		default:
			return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonRootSignatureNotAllowed}
		}
	}
	deviceID, _ := author.Device()
	deviceCert, ok := v.store.devices[deviceID]
	if !ok {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonNonExistingAuthor}
	}
	if deviceCert.Timestamp.After(cert.CertTimestamp()) {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonNonExistingAuthor}
	}
	user, ok := v.store.users[deviceID.UserID()]
	if !ok {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonNonExistingAuthor}
	}
	if !user.revokedAt.IsZero() && !user.revokedAt.After(cert.CertTimestamp()) {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonRevokedAuthor}
	}
	return nil
}

func (v *validationContext) checkTimestampMonotonic(cert types.AnyCertificate) error {
	timestamp := cert.CertTimestamp()
	var last types.DateTime
	switch c := cert.(type) {
	case *types.RealmRoleCertificate:
		last = v.realmLast(c.RealmID)
	case *types.RealmKeyRotationCertificate:
		last = v.realmLast(c.RealmID)
	case *types.RealmNameCertificate:
		last = v.realmLast(c.RealmID)
	case *types.RealmArchivingCertificate:
		last = v.realmLast(c.RealmID)
	case *types.SequesterAuthorityCertificate, *types.SequesterServiceCertificate:
		last = v.store.sequesterLastTimestamp
	case *types.ShamirRecoveryBriefCertificate, *types.ShamirRecoveryShareCertificate:
		last = v.store.shamirLastTimestamp
	default:
		last = v.store.commonLastTimestamp
	}
	if !last.IsZero() && !timestamp.After(last) {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonTimestampNonMonotonic}
	}
	return nil
}

func (v *validationContext) realmLast(realmID types.RealmID) types.DateTime {
	if realm, ok := v.store.realms[realmID]; ok {
		return realm.lastTimestamp
	}
	return 0
}

// checkBallpark only rejects certificates claiming to come from the future:
// old certificates are expected when a client catches up on history.
func (v *validationContext) checkBallpark(cert types.AnyCertificate) error {
	limit := v.serverNow.Add(time.Duration(v.ballpark.LateOffset * float64(time.Second)))
	if cert.CertTimestamp().After(limit) {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonTimestampOutOfBallpark}
	}
	return nil
}

func (v *validationContext) checkTypeSpecific(cert types.AnyCertificate, expectedRealm *types.RealmID) error {
	switch c := cert.(type) {
	case *types.UserCertificate:
		return v.checkUserCertificate(c)
	case *types.DeviceCertificate:
		return v.checkDeviceCertificate(c)
	case *types.UserUpdateCertificate:
		return v.checkUserUpdateCertificate(c)
	case *types.RevokedUserCertificate:
		return v.checkRevokedUserCertificate(c)
	case *types.RealmRoleCertificate:
		return v.checkRealmRoleCertificate(c, expectedRealm)
	case *types.RealmKeyRotationCertificate:
		return v.checkRealmKeyRotationCertificate(c, expectedRealm)
	case *types.RealmNameCertificate:
		return v.checkRealmOwnerCertificate(cert, c.AuthorField, c.RealmID, c.Timestamp, expectedRealm)
	case *types.RealmArchivingCertificate:
		return v.checkRealmOwnerCertificate(cert, c.AuthorField, c.RealmID, c.Timestamp, expectedRealm)
	default:
		// Sequester and shamir certificates have no client-side consistency
		// rules beyond signature and ordering
		return nil
	}
}

func (v *validationContext) checkUserCertificate(c *types.UserCertificate) error {
	if _, exists := v.store.users[c.UserID]; exists {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonUserAlreadyExists}
	}
	if !c.AuthorField.IsRoot() {
		authorDevice, _ := c.AuthorField.Device()
		if err := v.requireAdminAuthor(c, authorDevice); err != nil {
			return err
		}
	}
	return nil
}

func (v *validationContext) checkDeviceCertificate(c *types.DeviceCertificate) error {
	if _, exists := v.store.devices[c.DeviceID]; exists {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonDeviceAlreadyExists}
	}
	user, userExists := v.store.users[c.DeviceID.UserID()]
	if !userExists {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonUserNotFound}
	}
	_ = user
	if c.AuthorField.IsRoot() {
		// Only the user's first device can be Root-signed
		for deviceID := range v.store.devices {
			if deviceID.UserID() == c.DeviceID.UserID() {
				return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonRootSignatureNotAllowed}
			}
		}
		return nil
	}
	// Subsequent devices are signed by another device of the same user
	authorDevice, _ := c.AuthorField.Device()
	if authorDevice.UserID() != c.DeviceID.UserID() {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorOtherUser}
	}
	return nil
}

func (v *validationContext) checkUserUpdateCertificate(c *types.UserUpdateCertificate) error {
	if _, exists := v.store.users[c.UserID]; !exists {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonUserNotFound}
	}
	if c.AuthorField.UserID() == c.UserID {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonSelfProfileChange}
	}
	return v.requireAdminAuthor(c, c.AuthorField)
}

func (v *validationContext) checkRevokedUserCertificate(c *types.RevokedUserCertificate) error {
	user, exists := v.store.users[c.UserID]
	if !exists {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonUserNotFound}
	}
	if !user.revokedAt.IsZero() {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonUserAlreadyRevoked}
	}
	if c.AuthorField.UserID() == c.UserID {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonSelfRevocation}
	}
	return v.requireAdminAuthor(c, c.AuthorField)
}

func (v *validationContext) requireAdminAuthor(cert types.AnyCertificate, author types.DeviceID) error {
	user, ok := v.store.users[author.UserID()]
	if !ok {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonNonExistingAuthor}
	}
	profile := user.profileHistory[0].profile
	for _, change := range user.profileHistory {
		if change.timestamp.After(cert.CertTimestamp()) {
			break
		}
		profile = change.profile
	}
	if profile != types.UserProfileAdmin {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonAuthorNotAdmin}
	}
	return nil
}

func (v *validationContext) checkRealmRoleCertificate(c *types.RealmRoleCertificate, expectedRealm *types.RealmID) error {
	if expectedRealm != nil && c.RealmID != *expectedRealm {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonRealmMismatch}
	}
	if _, exists := v.store.users[c.UserID]; !exists {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonUserNotFound}
	}

	realm := v.store.realms[c.RealmID]
	isFirstRoleCertificate := realm == nil || len(realm.roles) == 0

	if isFirstRoleCertificate {
		// The realm's first certificate is the creator self-granting Owner
		authorDevice, ok := c.AuthorField.Device()
		if !ok {
			return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonRootSignatureNotAllowed}
		}
		if authorDevice.UserID() != c.UserID {
			return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorNoRealmAccess}
		}
		if c.Role == nil || *c.Role != types.RealmRoleOwner {
			return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorNoRealmAccess}
		}
		return nil
	}

	authorDevice, ok := c.AuthorField.Device()
	if !ok {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonRootSignatureNotAllowed}
	}
	authorRole := v.currentRealmRole(realm, authorDevice.UserID())
	if authorRole == nil {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorNoRealmAccess}
	}
	if !authorRole.CanManageRoles() {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorCannotManage}
	}
	// Owner is needed to grant or revoke Owner/Manager
	targetCurrent := v.currentRealmRole(realm, c.UserID)
	touchesElevated := (c.Role != nil && (*c.Role == types.RealmRoleOwner || *c.Role == types.RealmRoleManager)) ||
		(targetCurrent != nil && (*targetCurrent == types.RealmRoleOwner || *targetCurrent == types.RealmRoleManager))
	if touchesElevated && *authorRole != types.RealmRoleOwner {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonOwnerGrantRequiresOwner}
	}
	// Outsiders can only be Reader or Contributor
	if c.Role != nil {
		profile := v.userProfileAt(c.UserID, c.Timestamp)
		if profile == types.UserProfileOutsider && (*c.Role == types.RealmRoleOwner || *c.Role == types.RealmRoleManager) {
			return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonOutsiderCannotJoinRealm}
		}
	}
	return nil
}

func (v *validationContext) currentRealmRole(realm *realmState, userID types.UserID) *types.RealmRole {
	var current *types.RealmRole
	for _, cert := range realm.roles {
		if cert.UserID == userID {
			current = cert.Role
		}
	}
	return current
}

func (v *validationContext) userProfileAt(userID types.UserID, timestamp types.DateTime) types.UserProfile {
	user, ok := v.store.users[userID]
	if !ok {
		return ""
	}
	profile := user.profileHistory[0].profile
	for _, change := range user.profileHistory {
		if change.timestamp.After(timestamp) {
			break
		}
		profile = change.profile
	}
	return profile
}

func (v *validationContext) checkRealmKeyRotationCertificate(c *types.RealmKeyRotationCertificate, expectedRealm *types.RealmID) error {
	if expectedRealm != nil && c.RealmID != *expectedRealm {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonRealmMismatch}
	}
	realm := v.store.realms[c.RealmID]
	if realm == nil || len(realm.roles) == 0 {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorNoRealmAccess}
	}
	authorRole := v.currentRealmRole(realm, c.AuthorField.UserID())
	if authorRole == nil {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorNoRealmAccess}
	}
	if *authorRole != types.RealmRoleOwner {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonAuthorNotOwner}
	}
	// The key index grows one by one: it must equal the current rotation
	// count + 1. The canary is stored verbatim for later bundle validation.
	if c.KeyIndex != types.IndexInt(len(realm.keyRotations))+1 {
		return &InvalidCertificateError{Hint: c.Hint(), Reason: ReasonKeyIndexMismatch}
	}
	return nil
}

func (v *validationContext) checkRealmOwnerCertificate(
	cert types.AnyCertificate, author types.DeviceID,
	realmID types.RealmID, timestamp types.DateTime, expectedRealm *types.RealmID,
) error {
	if expectedRealm != nil && realmID != *expectedRealm {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonRealmMismatch}
	}
	realm := v.store.realms[realmID]
	if realm == nil || len(realm.roles) == 0 {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonAuthorNoRealmAccess}
	}
	authorRole := v.currentRealmRole(realm, author.UserID())
	if authorRole == nil {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonAuthorNoRealmAccess}
	}
	if *authorRole != types.RealmRoleOwner {
		return &InvalidCertificateError{Hint: cert.Hint(), Reason: ReasonAuthorNotOwner}
	}
	return nil
}

func storedRecord(cert types.AnyCertificate, signed []byte) storage.StoredCertificate {
	record := storage.StoredCertificate{
		Kind:      cert.Kind(),
		Timestamp: cert.CertTimestamp(),
		Blob:      signed,
	}
	switch c := cert.(type) {
	case *types.UserCertificate:
		record.UserID = c.UserID
	case *types.DeviceCertificate:
		record.DeviceID = c.DeviceID
	case *types.UserUpdateCertificate:
		record.UserID = c.UserID
	case *types.RevokedUserCertificate:
		record.UserID = c.UserID
	case *types.RealmRoleCertificate:
		realmID := c.RealmID
		record.RealmID = &realmID
		record.UserID = c.UserID
	case *types.RealmKeyRotationCertificate:
		realmID := c.RealmID
		record.RealmID = &realmID
	case *types.RealmNameCertificate:
		realmID := c.RealmID
		record.RealmID = &realmID
	case *types.RealmArchivingCertificate:
		realmID := c.RealmID
		record.RealmID = &realmID
	}
	return record
}
