package session

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/gamechat/gamechat/chat"
)

var profileBucket = []byte("profiles")

// Profile is a remembered login, enough to restore a session without asking
// for credentials again.
type Profile struct {
	UserID      chat.UserID `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Homeserver  string      `json:"homeserver"`
	AccessToken string      `json:"access_token"`
	DeviceID    string      `json:"device_id"`
}

// SaveProfile stores or replaces the profile for its user id.
func SaveProfile(db *bolt.DB, p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(profileBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.UserID), data)
	})
}

// Profiles lists remembered logins, sorted by user id.
func Profiles(db *bolt.DB) ([]Profile, error) {
	var out []Profile
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// DeleteProfile forgets a remembered login.
func DeleteProfile(db *bolt.DB, user chat.UserID) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(user))
	})
}
