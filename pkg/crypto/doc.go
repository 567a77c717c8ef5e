/*
Package crypto provides the cryptographic primitives used by the client core.

Four key families:

  - SecretKey: symmetric XSalsa20-Poly1305 (nacl secretbox), used for realm
    keys, key bundle access keys and the local storage key. Ciphertexts are
    nonce||box.
  - SigningKey / VerifyKey: ed25519, used for certificates and manifests.
    Signed blobs are signature||payload so they can be parsed before
    verification (see UnsecureUnwrapSigned).
  - PrivateKey / PublicKey: x25519 anonymous sealed boxes, used to deliver a
    key bundle access key to a recipient.
  - HashDigest: SHA-256, used for block content addressing.

The Canary helper produces the probe ciphertext stored in key rotation
certificates: the encryption of an empty payload. A realm key recovered from
a bundle is valid iff it decrypts its rotation certificate's canary.
*/
package crypto
