package i18n

import "strings"

var translations = map[string]string{
	"invalid request":                "درخواست نامعتبر است",
	"unauthorized":                   "دسترسی غیرمجاز",
	"missing authorization token":    "توکن احراز هویت ارسال نشده است",
	"invalid token":                  "توکن نامعتبر است",
	"failed to generate token":       "خطا در تولید توکن",
	"room query parameter required":  "پارامتر room الزامی است",
	"not a participant of this room": "شما عضو این گفتگو نیستید",
	"login failed":                   "خطا در ورود به حساب کاربری",
	"failed to list users":           "خطا در دریافت فهرست کاربران",
	"content is empty":               "محتوا خالی است",
	"comment is empty":               "دیدگاه خالی است",
	"failed to subscribe":            "خطا در ثبت اشتراک اعلان",
	"push notifications disabled":    "اعلان ها فعال نیستند",
	"rate limiter error":             "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":            "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":          "خطای داخلی سرور",
	"not found":                      "یافت نشد",
	"username must be between 3 and 32 characters":                "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
	"invalid username or password":                                "نام کاربری یا رمز عبور اشتباه است",
}

var prefixTranslations = map[string]string{
	"failed to hash password:":  "خطا در پردازش رمز عبور",
	"failed to register user:":  "خطا در ثبت نام کاربر",
	"failed to get user id:":    "خطا در دریافت شناسه کاربر",
	"failed to query user:":     "خطا در دریافت اطلاعات کاربر",
	"failed to generate token:": "خطا در تولید توکن",
	"failed to sign token:":     "خطا در امضای توکن",
	"failed to parse token:":    "توکن نامعتبر است",
}

// Translate maps an internal error message to its user-facing form.
// Unknown messages pass through unchanged.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
