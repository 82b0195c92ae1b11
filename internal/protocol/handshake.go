package protocol

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/inkbridge/calibre-device/internal/calibre"
	"github.com/inkbridge/calibre-device/internal/devicecache"
	"github.com/inkbridge/calibre-device/internal/transport"
)

const protocolVersion = "1.0.1"

// handshake implements spec.md §4.B's four handshake steps: receive
// GET_INITIALIZATION_INFO, reply with capabilities (and a password hash
// if challenged), then receive either a bad-password DISPLAY_MESSAGE
// (ends the session with ErrAuth) or GET_DEVICE_INFORMATION, replying
// with device identity and initializing the UUID/metadata cache.
func (s *Session) handshake() error {
	frame, err := s.conn.ReadFrame()
	if err != nil {
		return err
	}
	if frame.Op != calibre.GetInitializationInfo {
		return fmt.Errorf("protocol: expected GET_INITIALIZATION_INFO, got %s: %w", frame.Op, calibre.ErrAuth)
	}
	var challenge calibre.InitChallenge
	if err := mapstructure.Decode(frame.Args, &challenge); err != nil {
		return fmt.Errorf("protocol: decoding init challenge: %w: %v", calibre.ErrProtocol, err)
	}

	extPathLen := make(map[string]int, len(s.cfg.AcceptedExtensions))
	for _, ext := range s.cfg.AcceptedExtensions {
		extPathLen[ext] = 37
	}
	capInfo := calibre.CapabilityInfo{
		AppName:                       s.cfg.AppName,
		AcceptedExtensions:            s.cfg.AcceptedExtensions,
		CacheUsesLpaths:               true,
		CanAcceptLibraryInfo:          true,
		CanDeleteMultipleBooks:        true,
		CanReceiveBookBinary:          true,
		CanSendOkToSendbook:           true,
		CanStreamBooks:                true,
		CanStreamMetadata:             true,
		CanUseCachedMetadata:          true,
		CanSupportLpathChanges:        true,
		WillAskForUpdateBooks:         false,
		SetTempMarkWhenReadInfoSynced: false,
		CcVersionNumber:               s.cfg.CcVersionNumber,
		CoverHeight:                   s.cfg.CoverHeight,
		DeviceKind:                    s.cfg.DeviceKind,
		DeviceName:                    s.cfg.DeviceName,
		ExtensionPathLengths:          extPathLen,
		MaxBookContentPacketLen:       transport.BookChunkSize,
		UseUUIDFileNames:              false,
		VersionOK:                     true,
		HasCardA:                      s.cfg.HasCardA,
		HasCardB:                      s.cfg.HasCardB,
		IsReadSyncCol:                 s.cfg.IsReadSyncCol,
		IsReadDateSyncCol:             s.cfg.IsReadDateSyncCol,
	}
	if challenge.PasswordChallenge != "" {
		capInfo.PasswordHash = hashPassword(s.cfg.Password, challenge.PasswordChallenge)
	}
	if err := s.conn.WriteOK(capInfo); err != nil {
		return err
	}

	frame, err = s.conn.ReadFrame()
	if err != nil {
		return err
	}
	switch frame.Op {
	case calibre.DisplayMessage:
		var msg calibre.DisplayMessageRequest
		if err := mapstructure.Decode(frame.Args, &msg); err != nil {
			return fmt.Errorf("protocol: decoding display message: %w: %v", calibre.ErrProtocol, err)
		}
		if msg.MessageKind == calibre.PasswordError {
			return fmt.Errorf("protocol: bad password: %w", calibre.ErrAuth)
		}
		return fmt.Errorf("protocol: unexpected message during handshake: %w", calibre.ErrAuth)
	case calibre.GetDeviceInformation:
		var req calibre.DeviceInfoRequest
		if err := mapstructure.Decode(frame.Args, &req); err != nil {
			return fmt.Errorf("protocol: decoding device info request: %w: %v", calibre.ErrProtocol, err)
		}
		var resp calibre.DeviceInfoResponse
		resp.DeviceInfo.DeviceStoreUUID = s.cfg.DeviceUUID
		resp.DeviceInfo.DeviceName = s.cfg.DeviceName
		resp.DeviceInfo.LocationCode = "main"
		resp.Version = protocolVersion
		resp.DeviceVersion = protocolVersion
		if err := s.conn.WriteOK(resp); err != nil {
			return err
		}
		cache, err := devicecache.Initialize(s.cfg.CacheDir, s.cfg.DeviceUUID)
		if err != nil {
			s.log.Warn("initializing device cache", "error", err)
		}
		s.cache = cache
		return nil
	default:
		return fmt.Errorf("protocol: expected GET_DEVICE_INFORMATION, got %s: %w", frame.Op, calibre.ErrAuth)
	}
}
