package models

import (
	"database/sql/driver"
	"encoding/json"
)

// JSON 通用 JSON 对象类型
type JSON map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return nil
		}
	}
	return json.Unmarshal(bytes, j)
}

// JSONList JSON 对象列表类型，用于存储追加式网关回执日志
type JSONList []map[string]interface{}

// Value 实现 driver.Valuer 接口
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan 实现 sql.Scanner 接口
func (l *JSONList) Scan(value interface{}) error {
	if value == nil {
		*l = JSONList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return nil
		}
	}
	return json.Unmarshal(bytes, l)
}

// Append 追加一条日志并返回新列表
func (l JSONList) Append(entry map[string]interface{}) JSONList {
	out := make(JSONList, 0, len(l)+1)
	out = append(out, l...)
	out = append(out, entry)
	return out
}
