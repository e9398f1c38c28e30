package models

const (
	// RoleSender marks the device offering a file.
	RoleSender = "sender"
	// RoleReceiver marks the device accepting a file.
	RoleReceiver = "receiver"
	// RoleUnknown is the default when a client does not declare a role.
	RoleUnknown = "unknown"
)

const (
	// DeviceClassDesktop identifies desktop-class devices.
	DeviceClassDesktop = "desktop"
	// DeviceClassMobile identifies mobile-class devices.
	DeviceClassMobile = "mobile"
	// MetadataUnknown is the sentinel for absent metadata fields.
	MetadataUnknown = "unknown"
)

// DeviceMetadata describes a device as reported by its own client.
// Values are display hints only and are never validated for truthfulness.
type DeviceMetadata struct {
	DisplayName  string `json:"display_name"`
	DeviceClass  string `json:"device_class"`
	OS           string `json:"os"`
	Browser      string `json:"browser"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
	Locale       string `json:"locale"`
	Timezone     string `json:"timezone"`
}

// Normalize replaces absent string fields with the unknown sentinel.
func (m DeviceMetadata) Normalize() DeviceMetadata {
	out := m
	if out.DisplayName == "" {
		out.DisplayName = MetadataUnknown
	}
	if out.DeviceClass == "" {
		out.DeviceClass = MetadataUnknown
	}
	if out.OS == "" {
		out.OS = MetadataUnknown
	}
	if out.Browser == "" {
		out.Browser = MetadataUnknown
	}
	if out.Locale == "" {
		out.Locale = MetadataUnknown
	}
	if out.Timezone == "" {
		out.Timezone = MetadataUnknown
	}
	return out
}

// Device is one participant connection inside a session.
type Device struct {
	ConnectionID string         `json:"connection_id"`
	Role         string         `json:"role"`
	Metadata     DeviceMetadata `json:"metadata"`
	JoinedAt     int64          `json:"joined_at"`
}

// NormalizeRole maps arbitrary client input onto a known role.
func NormalizeRole(role string) string {
	switch role {
	case RoleSender, RoleReceiver:
		return role
	default:
		return RoleUnknown
	}
}
