// Package topics names the logical operations exchanged over the bus and the
// default physical subjects they map to. Call sites only ever use the logical
// keys; the physical names live in the per-service tables so they can change
// without touching handlers.
package topics

// Logical operation keys.
const (
	UserRegistration  = "user_registration"
	UserLoggingIn     = "user_logging_in"
	UserGetProfile    = "user_get_profile"
	DeleteUserAccount = "delete_user_account"
	UpdateUsername    = "update_username"
	CheckUserPassword = "check_user_password"
	UpdateUserPass    = "update_user_password"
	UpdateUserEmail   = "update_user_email"
	AdminGetAllUsers  = "admin_get_all_users"
	AdminSearchUsers  = "admin_search_users"
	LaptopAdd         = "laptop_add"
	LaptopList        = "laptop_list"
	LaptopDelete      = "laptop_delete"
	UserActivityList  = "user_activity_list"
	ResultFileGet     = "result_file_get"
	ResultFilePut     = "result_file_put"
)

// Service names owning a topic table.
const (
	ServiceAuth    = "auth"
	ServiceAccount = "account"
	ServiceAdmin   = "admin"
	ServiceWorker  = "worker"
)

var physical = map[string]string{
	UserRegistration:  "user-registration-topic",
	UserLoggingIn:     "user-logging-in-topic",
	UserGetProfile:    "user-get-profile-topic",
	DeleteUserAccount: "delete-user-account-topic",
	UpdateUsername:    "update-username-topic",
	CheckUserPassword: "check-user-password-topic",
	UpdateUserPass:    "update-user-password-topic",
	UpdateUserEmail:   "update-user-email-topic",
	AdminGetAllUsers:  "admin-get-all-users-topic",
	AdminSearchUsers:  "admin-search-users-topic",
	LaptopAdd:         "laptop-add-topic",
	LaptopList:        "laptop-list-topic",
	LaptopDelete:      "laptop-delete-topic",
	UserActivityList:  "user-activity-list-topic",
	ResultFileGet:     "result-file-get-topic",
	ResultFilePut:     "result-file-put-topic",
}

var serviceKeys = map[string][]string{
	ServiceAuth: {UserRegistration, UserLoggingIn, UserGetProfile},
	ServiceAccount: {
		UserGetProfile, DeleteUserAccount, UpdateUsername, CheckUserPassword,
		UpdateUserPass, UpdateUserEmail, LaptopAdd, LaptopList, LaptopDelete,
		UserActivityList, ResultFileGet, ResultFilePut,
	},
	ServiceAdmin: {AdminGetAllUsers, AdminSearchUsers},
}

// Defaults returns a fresh copy of the built-in topic table for a service.
// The worker service consumes every known topic.
func Defaults(service string) map[string]string {
	out := map[string]string{}
	if service == ServiceWorker {
		for key, name := range physical {
			out[key] = name
		}
		return out
	}
	for _, key := range serviceKeys[service] {
		out[key] = physical[key]
	}
	return out
}

// Producers lists the services whose tables the gateway publishes on. The
// worker consumes the union of these tables.
func Producers() []string {
	return []string{ServiceAuth, ServiceAccount, ServiceAdmin}
}

// Services lists the services with a built-in table.
func Services() []string {
	return []string{ServiceAuth, ServiceAccount, ServiceAdmin, ServiceWorker}
}
