package bluetooth

import (
	"strings"

	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/google/uuid"
)

// Profile is an application profile whose connection is managed by policy.
type Profile uint8

// The different profiles.
const (
	ProfileNone Profile = iota
	ProfileTelephony
	ProfileClassicAudio
	ProfileHearingAid
	ProfileLeAudio
	ProfileCoordinatedSet
)

// Profiles returns every managed profile, in the order in which
// they are connected.
func Profiles() []Profile {
	return []Profile{
		ProfileTelephony,
		ProfileClassicAudio,
		ProfileHearingAid,
		ProfileLeAudio,
		ProfileCoordinatedSet,
	}
}

// ClassicProfiles returns the profiles that share the classic audio path.
func ClassicProfiles() []Profile {
	return []Profile{ProfileTelephony, ProfileClassicAudio, ProfileHearingAid}
}

var profileNames = map[Profile]string{
	ProfileTelephony:      "telephony",
	ProfileClassicAudio:   "classic-audio",
	ProfileHearingAid:     "hearing-aid",
	ProfileLeAudio:        "le-audio",
	ProfileCoordinatedSet: "coordinated-set",
}

// String returns the name of the profile.
func (p Profile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}

	return "none"
}

// IsClassic reports whether the profile is carried over the classic audio path.
func (p Profile) IsClassic() bool {
	switch p {
	case ProfileTelephony, ProfileClassicAudio, ProfileHearingAid:
		return true
	}

	return false
}

// MarshalText implements encoding.TextMarshaler.
func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Profile) UnmarshalText(data []byte) error {
	profile, err := ParseProfile(string(data))
	if err != nil {
		return err
	}

	*p = profile

	return nil
}

// ParseProfile parses a profile name. Common aliases such as "a2dp",
// "hfp", "asha" and "csip" are accepted.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "telephony", "hfp", "headset":
		return ProfileTelephony, nil
	case "classic-audio", "a2dp", "audio":
		return ProfileClassicAudio, nil
	case "hearing-aid", "asha":
		return ProfileHearingAid, nil
	case "le-audio", "leaudio", "lea":
		return ProfileLeAudio, nil
	case "coordinated-set", "csip", "set":
		return ProfileCoordinatedSet, nil
	}

	return ProfileNone, errorkinds.ErrInvalidProfile
}

// ProfileSet is a set of profiles.
type ProfileSet uint8

// NewProfileSet returns a set holding the provided profiles.
func NewProfileSet(profiles ...Profile) ProfileSet {
	var s ProfileSet
	for _, p := range profiles {
		s = s.Add(p)
	}

	return s
}

// Add returns the set with p added.
func (s ProfileSet) Add(p Profile) ProfileSet {
	if p == ProfileNone {
		return s
	}

	return s | 1<<p
}

// Has reports whether p is in the set.
func (s ProfileSet) Has(p Profile) bool {
	return p != ProfileNone && s&(1<<p) != 0
}

// IsEmpty reports whether the set has no profiles.
func (s ProfileSet) IsEmpty() bool {
	return s == 0
}

// Profiles returns the profiles in the set, in connect order.
func (s ProfileSet) Profiles() []Profile {
	profiles := make([]Profile, 0, len(profileNames))
	for _, p := range Profiles() {
		if s.Has(p) {
			profiles = append(profiles, p)
		}
	}

	return profiles
}

// String returns a comma-separated list of the profiles in the set.
func (s ProfileSet) String() string {
	names := make([]string, 0, len(profileNames))
	for _, p := range s.Profiles() {
		names = append(names, p.String())
	}

	return strings.Join(names, ",")
}

// The Bluetooth base UUID, which 16-bit service class identifiers are aliased into.
const baseUUID = "-0000-1000-8000-00805f9b34fb"

// Service class identifiers, by profile.
var (
	HandsfreeUUID      = uuid.MustParse("0000111e" + baseUUID)
	HeadsetUUID        = uuid.MustParse("00001108" + baseUUID)
	AudioSinkUUID      = uuid.MustParse("0000110b" + baseUUID)
	AdvancedAudioUUID  = uuid.MustParse("0000110d" + baseUUID)
	HearingAidUUID     = uuid.MustParse("0000fdf0" + baseUUID)
	LeAudioUUID        = uuid.MustParse("0000184e" + baseUUID)
	PublishedAudioUUID = uuid.MustParse("00001850" + baseUUID)
	CoordinatedSetUUID = uuid.MustParse("00001846" + baseUUID)
)

var profileUUIDs = map[uuid.UUID]Profile{
	HandsfreeUUID:      ProfileTelephony,
	HeadsetUUID:        ProfileTelephony,
	AudioSinkUUID:      ProfileClassicAudio,
	AdvancedAudioUUID:  ProfileClassicAudio,
	HearingAidUUID:     ProfileHearingAid,
	LeAudioUUID:        ProfileLeAudio,
	PublishedAudioUUID: ProfileLeAudio,
	CoordinatedSetUUID: ProfileCoordinatedSet,
}

// ProfileFromUUID returns the profile that the service class UUID belongs to.
func ProfileFromUUID(u uuid.UUID) (Profile, bool) {
	p, ok := profileUUIDs[u]

	return p, ok
}

// ProfileUUID returns the primary service class UUID of a profile.
func ProfileUUID(p Profile) uuid.UUID {
	switch p {
	case ProfileTelephony:
		return HandsfreeUUID
	case ProfileClassicAudio:
		return AudioSinkUUID
	case ProfileHearingAid:
		return HearingAidUUID
	case ProfileLeAudio:
		return LeAudioUUID
	case ProfileCoordinatedSet:
		return CoordinatedSetUUID
	}

	return uuid.Nil
}

// ProfilesFromUUIDs returns the set of profiles advertised by a list
// of service class UUIDs. Unknown UUIDs are ignored.
func ProfilesFromUUIDs(uuids []uuid.UUID) ProfileSet {
	var s ProfileSet
	for _, u := range uuids {
		if p, ok := ProfileFromUUID(u); ok {
			s = s.Add(p)
		}
	}

	return s
}

// ParseUUIDs parses a list of UUID strings, skipping the ones that are malformed.
func ParseUUIDs(values []string) []uuid.UUID {
	uuids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		u, err := uuid.Parse(v)
		if err != nil {
			continue
		}

		uuids = append(uuids, u)
	}

	return uuids
}
