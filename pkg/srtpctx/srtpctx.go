// Package srtpctx implements SDES-SRTP key derivation, encoding, and the
// per-medium protect/unprotect policy install.
//
// github.com/pion/srtp/v3 exposes its buffer-oriented codec directly via
// srtp.CreateContext(masterKey, masterSalt, profile), whose EncryptRTP/
// DecryptRTP/EncryptRTCP/DecryptRTCP pairs are exactly the plain
// encrypt(buffer)/decrypt(buffer) contract the relay calls synchronously
// on its single dispatcher goroutine — no net.Conn, no background read
// loop, no per-call timeout to size.
package srtpctx

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/pion/srtp/v3"
)

// profileSpec is one row of the SDES-SRTP profile table.
type profileSpec struct {
	pionProfile srtp.ProtectionProfile
	keyLen      int
	saltLen     int
}

var profiles = map[hostapi.SRTPProfileName]profileSpec{
	hostapi.ProfileAES128CM80: {srtp.ProtectionProfileAes128CmHmacSha1_80, 16, 14},
	// AES_CM_128_HMAC_SHA1_32 shortens the RTP auth tag to 32 bits but, per
	// RFC 5764 §4.1.2, keeps the 80-bit tag for RTCP; pion/srtp applies that
	// rule internally off the same profile constant, so both directions
	// share this one entry.
	hostapi.ProfileAES128CM32:    {srtp.ProtectionProfileAes128CmHmacSha1_32, 16, 14},
	hostapi.ProfileAEADAES128GCM: {srtp.ProtectionProfileAeadAes128Gcm, 16, 12},
	hostapi.ProfileAEADAES256GCM: {srtp.ProtectionProfileAeadAes256Gcm, 32, 12},
}

// DefaultProfile is offered when a generate/process request asks for SRTP
// without naming a profile.
const DefaultProfile = hostapi.ProfileAES128CM80

// Context holds one medium's local and remote SDES-SRTP key material and
// the live encrypt/decrypt contexts built from it. A Context starts with
// no local/remote material installed; InstallLocal and InstallRemote
// populate it, and Protect/Unprotect fail with ErrNotInstalled until both
// sides are set. Encryption and decryption use separate *srtp.Context
// values since each direction tracks its own rollover counter and replay
// window against a different key.
type Context struct {
	mu sync.Mutex

	profile    hostapi.SRTPProfileName
	localKey   []byte
	localSalt  []byte
	remoteKey  []byte
	remoteSalt []byte

	encryptCtx *srtp.Context
	decryptCtx *srtp.Context
}

// New returns an uninstalled Context for one medium.
func New() *Context {
	return &Context{}
}

// ErrNotInstalled is returned by Protect/Unprotect before both InstallLocal
// and InstallRemote have completed.
var ErrNotInstalled = hostapi.NewError(hostapi.ErrWrongState, "srtp: local and remote keys not installed")

// InstallLocal generates fresh local key material for profile and returns
// the profile actually used and the base64 key+salt (without the
// "inline:" prefix) the caller embeds in an outgoing a=crypto attribute.
func (c *Context) InstallLocal(profileName hostapi.SRTPProfileName) (hostapi.SRTPProfileName, string, error) {
	if profileName == hostapi.ProfileNone {
		profileName = DefaultProfile
	}
	spec, ok := profiles[profileName]
	if !ok {
		return "", "", hostapi.NewError(hostapi.ErrInvalidElement, fmt.Sprintf("unsupported srtp profile %q", profileName))
	}

	key := make([]byte, spec.keyLen)
	salt := make([]byte, spec.saltLen)
	if _, err := rand.Read(key); err != nil {
		return "", "", hostapi.WrapError(hostapi.ErrIOError, "generating srtp key", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return "", "", hostapi.WrapError(hostapi.ErrIOError, "generating srtp salt", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = profileName
	c.localKey = key
	c.localSalt = salt

	inline := base64.StdEncoding.EncodeToString(append(append([]byte{}, key...), salt...))
	return profileName, inline, nil
}

// InstallRemote decodes a peer's a=crypto inline key material for profile
// and, once both sides are known, brings up the encrypt/decrypt contexts.
func (c *Context) InstallRemote(profileName hostapi.SRTPProfileName, inline string) error {
	spec, ok := profiles[profileName]
	if !ok {
		return hostapi.NewError(hostapi.ErrInvalidElement, fmt.Sprintf("unsupported srtp profile %q", profileName))
	}
	raw, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		return hostapi.WrapError(hostapi.ErrInvalidElement, "decoding crypto inline key", err)
	}
	if len(raw) != spec.keyLen+spec.saltLen {
		return hostapi.NewError(hostapi.ErrInvalidElement, "crypto inline key has wrong length for profile")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.profile == hostapi.ProfileNone {
		c.profile = profileName
	} else if c.profile != profileName {
		return hostapi.NewError(hostapi.ErrInvalidElement, "remote srtp profile does not match local offer")
	}
	c.remoteKey = append([]byte{}, raw[:spec.keyLen]...)
	c.remoteSalt = append([]byte{}, raw[spec.keyLen:]...)

	if c.localKey == nil {
		// Answering side: we have no local offer yet, generate one now
		// under the peer's chosen profile so both directions share it.
		key := make([]byte, spec.keyLen)
		salt := make([]byte, spec.saltLen)
		if _, err := rand.Read(key); err != nil {
			return hostapi.WrapError(hostapi.ErrIOError, "generating srtp key", err)
		}
		if _, err := rand.Read(salt); err != nil {
			return hostapi.WrapError(hostapi.ErrIOError, "generating srtp salt", err)
		}
		c.localKey, c.localSalt = key, salt
	}

	return c.bringUp(spec)
}

// LocalInline returns the answering side's own crypto-line key material,
// generated lazily by InstallRemote when we never called InstallLocal.
func (c *Context) LocalInline() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localKey == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(append(append([]byte{}, c.localKey...), c.localSalt...))
}

// Profile reports the installed profile, or hostapi.ProfileNone.
func (c *Context) Profile() hostapi.SRTPProfileName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Ready reports whether both local and remote key material are installed.
func (c *Context) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encryptCtx != nil && c.decryptCtx != nil
}

func (c *Context) bringUp(spec profileSpec) error {
	encryptCtx, err := srtp.CreateContext(c.localKey, c.localSalt, spec.pionProfile)
	if err != nil {
		return hostapi.WrapError(hostapi.ErrIOError, "starting srtp encrypt context", err)
	}
	decryptCtx, err := srtp.CreateContext(c.remoteKey, c.remoteSalt, spec.pionProfile)
	if err != nil {
		return hostapi.WrapError(hostapi.ErrIOError, "starting srtp decrypt context", err)
	}

	c.encryptCtx = encryptCtx
	c.decryptCtx = decryptCtx
	return nil
}

// Protect encrypts one plaintext RTP packet, returning the
// ciphertext-plus-auth-tag buffer ready to send on the wire.
func (c *Context) Protect(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	ctx := c.encryptCtx
	c.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotInstalled
	}
	out, err := ctx.EncryptRTP(nil, plaintext, nil)
	if err != nil {
		return nil, hostapi.WrapError(hostapi.ErrIOError, "srtp encrypt", err)
	}
	return out, nil
}

// Unprotect decrypts one ciphertext RTP packet received off the wire.
func (c *Context) Unprotect(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	ctx := c.decryptCtx
	c.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotInstalled
	}
	out, err := ctx.DecryptRTP(nil, ciphertext, nil)
	if err != nil {
		return nil, hostapi.WrapError(hostapi.ErrIOError, "srtp decrypt", err)
	}
	return out, nil
}

// ProtectRTCP encrypts one plaintext RTCP compound packet.
func (c *Context) ProtectRTCP(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	ctx := c.encryptCtx
	c.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotInstalled
	}
	out, err := ctx.EncryptRTCP(nil, plaintext, nil)
	if err != nil {
		return nil, hostapi.WrapError(hostapi.ErrIOError, "srtcp encrypt", err)
	}
	return out, nil
}

// UnprotectRTCP decrypts one ciphertext RTCP compound packet.
func (c *Context) UnprotectRTCP(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	ctx := c.decryptCtx
	c.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotInstalled
	}
	out, err := ctx.DecryptRTCP(nil, ciphertext, nil)
	if err != nil {
		return nil, hostapi.WrapError(hostapi.ErrIOError, "srtcp decrypt", err)
	}
	return out, nil
}

// Cleanup zeroes key material and drops the live contexts. Safe to call
// more than once.
func (c *Context) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range [][]byte{c.localKey, c.localSalt, c.remoteKey, c.remoteSalt} {
		for i := range b {
			b[i] = 0
		}
	}
	c.localKey, c.localSalt, c.remoteKey, c.remoteSalt = nil, nil, nil, nil
	c.encryptCtx = nil
	c.decryptCtx = nil
}
