package export

import "context"

// RecordSource はレコード本体を提供する外部データソースです。
// リレーショナルストアへの問い合わせ層が実装します。
type RecordSource interface {
	// FetchBatch は指定IDのレコードをID順そのままで返します。
	// 存在しないIDは黙って読み飛ばして構いません。
	FetchBatch(ctx context.Context, kind Kind, ids []string) ([]Row, error)
}
