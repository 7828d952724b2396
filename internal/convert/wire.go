// Package convert maps backend JSON payloads onto model types.
package convert

import (
	"fmt"
	"strings"

	"github.com/and161185/atelier/internal/model"
)

// --- user ---

// WireUser is the user object as returned by the backend. Older endpoints use
// Mongo-style `_id` and `avatar`; newer ones use `id` and `avatarUrl`.
type WireUser struct {
	ID              string `json:"id,omitempty"`
	MongoID         string `json:"_id,omitempty"`
	UID             string `json:"uid,omitempty"`
	Name            string `json:"name,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	Role            string `json:"role,omitempty"`
	EmailVerified   *bool  `json:"emailVerified,omitempty"`
	IsEmailVerified *bool  `json:"isEmailVerified,omitempty"`
	Avatar          string `json:"avatar,omitempty"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	PhotoURL        string `json:"photoURL,omitempty"`
}

// ToProfile normalizes a wire user into a UserProfile.
func ToProfile(in *WireUser) (model.UserProfile, error) {
	if in == nil {
		return model.UserProfile{}, fmt.Errorf("nil user")
	}
	id := first(in.ID, in.MongoID, in.UID)
	if id == "" {
		return model.UserProfile{}, fmt.Errorf("user without id")
	}
	verified := false
	switch {
	case in.EmailVerified != nil:
		verified = *in.EmailVerified
	case in.IsEmailVerified != nil:
		verified = *in.IsEmailVerified
	}
	return model.UserProfile{
		ID:            id,
		Name:          first(in.Name, in.DisplayName),
		Email:         strings.TrimSpace(in.Email),
		Phone:         first(in.Phone, in.PhoneNumber),
		Role:          ParseRole(in.Role),
		EmailVerified: verified,
		AvatarURL:     first(in.AvatarURL, in.Avatar, in.PhotoURL),
	}, nil
}

// FromProfile produces the canonical wire form used in request bodies.
func FromProfile(p model.UserProfile) WireUser {
	v := p.EmailVerified
	return WireUser{
		ID:            p.ID,
		Name:          p.Name,
		Email:         p.Email,
		Phone:         p.Phone,
		Role:          string(p.Role),
		EmailVerified: &v,
		AvatarURL:     p.AvatarURL,
	}
}

// ParseRole maps the backend's role spellings onto model.Role. Unknown roles
// fall back to customer so that nothing is granted by accident.
func ParseRole(s string) model.Role {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s)))
	switch norm {
	case "admin", "administrator":
		return model.RoleAdmin
	case "digitalmarketer", "marketer", "marketing":
		return model.RoleDigitalMarketer
	default:
		return model.RoleCustomer
	}
}

// --- profile update ---

// ProfileUpdate is the body of PUT /auth/profile. Nil fields are left untouched.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

// --- cart ---

// WireCartItem accepts both `id` and `_id`.
type WireCartItem struct {
	ID        string `json:"id,omitempty"`
	MongoID   string `json:"_id,omitempty"`
	ProductID string `json:"productId,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// ToCartItem converts a wire cart line.
func ToCartItem(in WireCartItem) (model.CartItem, error) {
	id := first(in.ID, in.MongoID)
	if id == "" {
		return model.CartItem{}, fmt.Errorf("cart item without id")
	}
	return model.CartItem{
		ID:        id,
		ProductID: in.ProductID,
		Name:      in.Name,
		Size:      in.Size,
		Color:     in.Color,
		Quantity:  in.Quantity,
		UnitPrice: in.UnitPrice,
	}, nil
}

// ToCartItems converts a batch.
func ToCartItems(in []WireCartItem) ([]model.CartItem, error) {
	out := make([]model.CartItem, 0, len(in))
	for i := range in {
		it, err := ToCartItem(in[i])
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

func first(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
