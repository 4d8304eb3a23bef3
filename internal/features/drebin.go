package features

// DrebinVersion 内置特征表版本
const DrebinVersion = "drebin-35"

// drebinNames 内置特征表，顺序与线上分类模型的训练列一致。
// API 条目写成反汇编器输出的 "Class->method" 形式，否则精确匹配永远不会命中。
var drebinNames = []string{
	"transact",
	"onServiceConnected",
	"bindService",
	"attachInterface",
	"ServiceConnection",
	"android.os.Binder",
	"SEND_SMS",
	"Ljava.lang.Class->getCanonicalName",
	"Ljava.lang.Class->getMethods",
	"Ljava.lang.Class->cast",
	"Ljava.net.URLDecoder",
	"android.telephony.SmsManager",
	"READ_PHONE_STATE",
	"ClassLoader",
	"Landroid.content.Context->registerReceiver",
	"Ljava.lang.Class->getField",
	"Landroid.content.Context->unregisterReceiver",
	"GET_ACCOUNTS",
	"RECEIVE_SMS",
	"READ_SMS",
	"android.intent.action.BOOT_COMPLETED",
	"android.content.pm.PackageInfo",
	"Landroid.telephony.TelephonyManager->getLine1Number",
	"Lorg.apache.http.client.methods.HttpGet-><init>",
	"android.telephony.gsm.SmsManager",
	"WRITE_HISTORY_BOOKMARKS",
	"Landroid.telephony.TelephonyManager->getSubscriberId",
	"INTERNET",
	"Landroid.telephony.TelephonyManager->getDeviceId",
	"chmod",
	"Ljava.lang.Runtime->exec",
	"ACCESS_COARSE_LOCATION",
	"Ljava.lang.Class->getResource",
	"ACCESS_WIFI_STATE",
	"WRITE_EXTERNAL_STORAGE",
}

var drebin = MustSchema(DrebinVersion, drebinNames)

// Drebin 内置特征表（进程内共享的只读实例）
func Drebin() *Schema {
	return drebin
}
