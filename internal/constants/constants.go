package constants

// 支付状态常量
const (
	PaymentStatusPending           = "pending"
	PaymentStatusCompleted         = "completed"
	PaymentStatusFailed            = "failed"
	PaymentStatusCancelled         = "cancelled"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// 可支付业务类型常量
const (
	PayableKindApplication = "application"
	PayableKindSponsorship = "sponsorship"
	PayableKindPromotion   = "promotion"
)

// 网关回执状态码常量
const (
	GatewayStatusCodeCompleted = "1"
	GatewayStatusCodeFailed    = "2"
	GatewayStatusCodeCancelled = "3"
)

// 网关 IPN 通知类型常量
const (
	IPNNotificationTypeGET  = "GET"
	IPNNotificationTypePOST = "POST"
)

// 对账来源常量
const (
	ReconcileSourceCallback = "callback"
	ReconcileSourceIPN      = "ipn"
	ReconcileSourceQuery    = "query"
	ReconcileSourceRefresh  = "refresh"
)

// 用户状态常量
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// 登录日志状态常量
const (
	LoginLogStatusSuccess = "success"
	LoginLogStatusFailed  = "failed"
)

// 登录来源常量
const (
	LoginLogSourceWeb = "web"
)

// 登录日志失败原因常量
const (
	LoginLogFailReasonBadRequest         = "bad_request"
	LoginLogFailReasonInvalidEmail       = "invalid_email"
	LoginLogFailReasonInvalidCredentials = "invalid_credentials"
	LoginLogFailReasonUserDisabled       = "user_disabled"
	LoginLogFailReasonInternalError      = "internal_error"
)

// 队列常量
const (
	QueueDefault             = "default"
	TaskPaymentReceiptEmail  = "payment:receipt_email"
	TaskPaymentStatusRefresh = "payment:status_refresh"
)

// 缓存默认配置常量
const (
	RedisPrefixDefault = "mk"
)

// 币种常量
const (
	SiteCurrencyDefault = "KES"
)

// 商户参考号前缀常量
const (
	MerchantRefPrefixDefault = "MALAIKA"
)

// 通知业务类型常量
const (
	NotificationBizTypePaymentReceipt  = "payment_receipt"
	NotificationBizTypePaymentCallback = "payment_callback"
)
