package identity

import "errors"

// 身份解析與帳號連結過程中會出現的錯誤分類
// 全部在 api 層收斂成錯誤代碼，不會把底層訊息透出給使用者
var (
	// ErrStateMismatch 代表 callback 帶回的 state 與任何待處理的請求都不相符
	// 可能是過期、偽造或重放，屬於安全相關事件，必須記錄
	ErrStateMismatch = errors.New("state mismatch")
	// ErrAlreadyLinkedElsewhere 代表該外部身份已經綁定在其他使用者上
	ErrAlreadyLinkedElsewhere = errors.New("provider identity already linked to another user")
	// ErrLastLinkRejected 代表不允許移除使用者僅存的登入方式
	ErrLastLinkRejected = errors.New("cannot remove the last provider link")
	// ErrLinkNotFound 代表指定的綁定不存在
	ErrLinkNotFound = errors.New("provider link not found")
	// ErrUserNotFound 代表指定的使用者不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrConflict 代表寫入時撞上唯一性約束
	// 屬於可恢復的競態，呼叫端應重新讀取既有資料而不是回報錯誤
	ErrConflict = errors.New("storage conflict")
	// ErrNotPending 代表目前的瀏覽器會話沒有待處理的連結作業
	ErrNotPending = errors.New("no pending linking session")
	// ErrTokenMismatch 代表連結作業的防偽 token 不相符
	ErrTokenMismatch = errors.New("linking token mismatch")
)
