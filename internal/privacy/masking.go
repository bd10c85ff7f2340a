package privacy

import (
	"net/url"
	"strconv"
	"strings"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		if len(phone) <= 5 {
			return "+" + strings.Repeat("*", len(phone)-1)
		}
		return "+" + strings.Repeat("*", len(phone)-5) + phone[len(phone)-4:]
	}

	return maskString(phone, 4)
}

// MaskSenderID masks a platform-scoped user id (page-scoped id, IG id, wa_id)
func MaskSenderID(senderID string) string {
	if senderID == "" {
		return ""
	}
	if strings.HasPrefix(senderID, "+") || (len(senderID) >= 10 && isNumeric(senderID) && len(senderID) <= 15) {
		return MaskPhoneNumber(senderID)
	}
	return maskString(senderID, 4)
}

// MaskToken keeps only a short prefix of an access token for correlation
// Example: "EAABwzLixnjYBO..." -> "EAAB****(48)"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 4) + "(" + strconv.Itoa(len(token)) + ")"
}

// MaskURL strips credential query parameters and userinfo passwords from a
// URL before it is logged
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for _, key := range []string{"access_token", "client_secret", "fb_exchange_token", "appsecret_proof"} {
		if q.Has(key) {
			q.Set(key, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number", "recipient", "whatsapp_no", "mobile_no":
			masked[k] = MaskPhoneNumber(s)
		case "sender_id", "recipient_id", "from", "to", "wa_id":
			masked[k] = MaskSenderID(s)
		case "access_token", "refresh_token", "token", "app_secret":
			masked[k] = MaskToken(s)
		case "url", "endpoint":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
