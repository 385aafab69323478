// Package sdpbridge implements the two pure functions that tie a
// session description to MediaSession state: Process ingests a remote
// description, Manipulate rewrites one to advertise this side's
// plain-RTP endpoint.
package sdpbridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/arzzra/nosip_bridge/pkg/media"
	"github.com/pion/sdp/v3"
)

// CodecNameLookup resolves a payload type to its rtpmap codec name. The
// host or sdpbridge's own scan of the description's own rtpmap
// attributes can both implement it; process always tries the
// description's own attributes first and only falls back to this hook
// when nothing was found there (e.g. a static payload type with no
// rtpmap line).
type CodecNameLookup func(desc *sdp.SessionDescription, pt uint8) string

// Process ingests a session description into ms: it mutates ms in
// place and reports whether anything relay-relevant changed.
func Process(ms *media.MediaSession, desc *sdp.SessionDescription, isAnswer, isUpdate bool, lookup CodecNameLookup) (changed bool, err error) {
	prevRemoteAudioIP := ms.RemoteAudioIP
	prevRemoteVideoIP := ms.RemoteVideoIP
	prevAudioPort := ms.Audio.RemoteRTPPort
	prevVideoPort := ms.Video.RemoteRTPPort

	sessionAddr := connectionAddress(desc.ConnectionInformation)
	ms.RemoteAudioIP = sessionAddr
	ms.RemoteVideoIP = sessionAddr

	ms.RequireSRTP = false

	for _, md := range desc.MediaDescriptions {
		isVideo := md.MediaName.Media == "video"
		if md.MediaName.Media != "audio" && md.MediaName.Media != "video" {
			continue
		}
		m := ms.Medium(isVideo)

		m.Has = md.MediaName.Port.Value != 0

		if addr := connectionAddress(md.ConnectionInformation); addr != "" {
			if isVideo {
				ms.RemoteVideoIP = addr
			} else {
				ms.RemoteAudioIP = addr
			}
		}

		m.RemoteRTPPort = md.MediaName.Port.Value
		m.RemoteRTCPPort = m.RemoteRTPPort + 1

		m.Send = directionAllowsSend(md)

		for _, proto := range md.MediaName.Protos {
			if proto == "SAVP" || proto == "SAVPF" {
				ms.RequireSRTP = true
			}
		}

		if err := processCrypto(ms, m, md, isAnswer); err != nil {
			return false, err
		}

		if isVideo && hasPLIFeedback(md) {
			ms.VideoPLISupported = true
		}

		if isAnswer && len(md.MediaName.Formats) > 0 {
			assignNegotiatedPT(ms, m, desc, md, lookup)
		}
	}

	if isUpdate {
		changed = ms.RemoteAudioIP != prevRemoteAudioIP ||
			ms.RemoteVideoIP != prevRemoteVideoIP ||
			ms.Audio.RemoteRTPPort != prevAudioPort ||
			ms.Video.RemoteRTPPort != prevVideoPort
		if changed {
			ms.Updated = true
			ms.SignalWake()
		}
	}

	return changed, nil
}

// InstallLocalFunc materializes local SRTP key material for one medium
// and returns its profile and base64 key+salt.
type InstallLocalFunc func(isVideo bool) (profile hostapi.SRTPProfileName, inline string, err error)

// Manipulate rewrites desc in place into the plain-RTP view and renders
// it. sdpIP is the configured advertised address; installLocal is called
// lazily to materialize local SRTP key material the first time a medium
// needs a crypto line.
func Manipulate(ms *media.MediaSession, desc *sdp.SessionDescription, isAnswer bool, sdpIP string, installLocal InstallLocalFunc) (string, error) {
	if desc.ConnectionInformation == nil {
		desc.ConnectionInformation = &sdp.ConnectionInformation{}
	}
	desc.ConnectionInformation.NetworkType = "IN"
	desc.ConnectionInformation.AddressType = "IP4"
	desc.ConnectionInformation.Address = &sdp.Address{Address: sdpIP}

	for _, md := range desc.MediaDescriptions {
		isVideo := md.MediaName.Media == "video"
		if md.MediaName.Media != "audio" && md.MediaName.Media != "video" {
			continue
		}
		m := ms.Medium(isVideo)

		if ms.RequireSRTP {
			md.MediaName.Protos = replaceTransport(md.MediaName.Protos, "SAVP")
		} else {
			md.MediaName.Protos = replaceTransport(md.MediaName.Protos, "AVP")
		}

		md.MediaName.Port = sdp.RangedPort{Value: m.LocalRTPPort}

		if ms.HasSRTPLocal {
			if !m.HasLocalCrypto() {
				profile, inline, err := installLocal(isVideo)
				if err != nil {
					return "", err
				}
				m.CryptoProfile = profile
				if m.CryptoTag == 0 {
					m.CryptoTag = 1
				}
				md.Attributes = appendCrypto(md.Attributes, m.CryptoTag, profile, inline)
			} else {
				// Local material already exists — generated lazily by a
				// prior InstallRemote on the answering side. m.CryptoTag
				// already holds the tag we're answering (echoed from the
				// offer), and m.CryptoProfile the negotiated profile.
				md.Attributes = appendCrypto(md.Attributes, m.CryptoTag, m.CryptoProfile, m.SRTP.LocalInline())
			}
		}

		md.ConnectionInformation = &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: sdpIP},
		}

		if isAnswer && len(md.MediaName.Formats) > 0 {
			assignNegotiatedPT(ms, m, desc, md, nil)
		}
	}

	rendered, err := desc.Marshal()
	if err != nil {
		return "", hostapi.WrapError(hostapi.ErrInvalidSDP, "rendering description", err)
	}
	return string(rendered), nil
}

func connectionAddress(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

func directionAllowsSend(md *sdp.MediaDescription) bool {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendonly", "inactive":
			return false
		}
	}
	return true
}

func hasPLIFeedback(md *sdp.MediaDescription) bool {
	for _, attr := range md.Attributes {
		if attr.Key == "rtcp-fb" && strings.Contains(attr.Value, "pli") {
			return true
		}
	}
	return false
}

// processCrypto parses every a=crypto attribute on md and, on the first
// well-formed one (three fields, numeric tag, "inline:" key), records
// its tag, profile, and key on m and sets ms.HasSRTPRemote. The key is
// not decoded or installed here; the request handler does that with
// srtpctx.InstallRemote. On an answer, only the attribute whose tag
// matches the one this side previously offered is considered.
func processCrypto(ms *media.MediaSession, m *media.MediumData, md *sdp.MediaDescription, isAnswer bool) error {
	installed := false
	for _, attr := range md.Attributes {
		if attr.Key != "crypto" || installed {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) != 3 {
			continue
		}
		tag, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if isAnswer && m.CryptoTag != 0 && tag != m.CryptoTag {
			continue
		}
		inline := strings.TrimPrefix(fields[2], "inline:")
		if inline == fields[2] {
			continue
		}
		m.CryptoTag = tag
		m.CryptoProfile = hostapi.SRTPProfileName(fields[1])
		m.CryptoInline = inline
		ms.HasSRTPRemote = true
		installed = true
	}
	return nil
}

// replaceTransport collapses a WebRTC-side proto list such as
// ["UDP","TLS","RTP","SAVPF"] down to the bare plain-RTP transport this
// side always advertises: RTP/AVP or RTP/SAVP. DTLS/ICE are entirely the
// host's concern, so their tokens never belong in the rendered SDP.
func replaceTransport(protos []string, savpToken string) []string {
	return []string{"RTP", savpToken}
}

func appendCrypto(attrs []sdp.Attribute, tag int, profile hostapi.SRTPProfileName, inline string) []sdp.Attribute {
	return append(attrs, sdp.Attribute{
		Key:   "crypto",
		Value: fmt.Sprintf("%d %s inline:%s", tag, profile, inline),
	})
}

// audioLevelExtURI and videoOrientationExtURI are the two header
// extension URIs the relay knows how to decode. Any other extmap line
// is left alone: its id is never recorded, so extractExtensions in
// pkg/relay skips it and the packet carries it through untouched.
const (
	audioLevelExtURI       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	videoOrientationExtURI = "urn:3gpp:video-orientation"
)

// DetectHeaderExtensions scans every a=extmap line in desc and records
// the audio-level and video-orientation extension ids on ms, if
// present. Called once per generate, against the attached WebRTC-side
// description — these are negotiated per the WebRTC offer/answer, not
// the plain-RTP side.
func DetectHeaderExtensions(ms *media.MediaSession, desc *sdp.SessionDescription) {
	scan := func(attrs []sdp.Attribute) {
		for _, attr := range attrs {
			if attr.Key != sdp.AttrKeyExtMap {
				continue
			}
			var e sdp.ExtMap
			if err := e.Unmarshal(attr.String()); err != nil {
				continue
			}
			switch e.URI.String() {
			case audioLevelExtURI:
				ms.AudioLevelExtID = e.Value
			case videoOrientationExtURI:
				ms.VideoOrientationExtID = e.Value
			}
		}
	}
	scan(desc.Attributes)
	for _, md := range desc.MediaDescriptions {
		scan(md.Attributes)
	}
}

// redPayloadType scans the description's rtpmap attributes for a
// "red/..." encoding name and returns its payload type, or -1.
func redPayloadType(desc *sdp.SessionDescription) int {
	for _, md := range desc.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) != 2 || !strings.HasPrefix(strings.ToLower(parts[1]), "red/") {
				continue
			}
			pt, err := strconv.Atoi(parts[0])
			if err == nil {
				return pt
			}
		}
	}
	return media.NoREDPayload
}

// rtpmapName looks up the codec name rtpmap'd to pt within desc, without
// needing the host's lookup hook.
func rtpmapName(desc *sdp.SessionDescription, pt uint8) string {
	target := strconv.Itoa(int(pt))
	for _, md := range desc.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) == 2 && parts[0] == target {
				return strings.SplitN(parts[1], "/", 2)[0]
			}
		}
	}
	return ""
}

// assignNegotiatedPT implements the answer-side primary-payload-type/
// RED detection, shared by Process and Manipulate.
func assignNegotiatedPT(ms *media.MediaSession, m *media.MediumData, desc *sdp.SessionDescription, md *sdp.MediaDescription, lookup CodecNameLookup) {
	formats := md.MediaName.Formats
	firstPT, err := strconv.Atoi(formats[0])
	if err != nil {
		return
	}

	chosen := firstPT
	if md.MediaName.Media == "audio" {
		if redPT := redPayloadType(desc); redPT == firstPT && len(formats) > 1 {
			ms.OpusREDPT = redPT
			if second, err := strconv.Atoi(formats[1]); err == nil {
				chosen = second
			}
		}
	}

	m.PT = uint8(chosen)
	if name := rtpmapName(desc, m.PT); name != "" {
		m.PTName = name
	} else if lookup != nil {
		m.PTName = lookup(desc, m.PT)
	}
}
